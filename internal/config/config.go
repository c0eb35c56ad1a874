package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	Devices  DevicesConfig  `mapstructure:"devices"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Users          []UserConfig  `mapstructure:"users"`
}

// UserConfig is one operator account. PasswordHash is produced by
// "mbpoll hash-password".
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

type ModbusConfig struct {
	DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
	WorkerPoolSize      int           `mapstructure:"worker_pool_size"`
	ResultBuffer        int           `mapstructure:"result_buffer"`
	ConnectAttempts     int           `mapstructure:"connect_attempts"`
	ConnectBackoff      time.Duration `mapstructure:"connect_backoff"`
	TraceFrames         bool          `mapstructure:"trace_frames"`
}

const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

type DevicesConfig struct {
	Source    string `mapstructure:"source"`
	Path      string `mapstructure:"path"`
	Autostart bool   `mapstructure:"autostart"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults setzen
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("modbus.default_timeout", "1s")
	v.SetDefault("modbus.default_poll_interval", "1s")
	v.SetDefault("modbus.worker_pool_size", 16)
	v.SetDefault("modbus.result_buffer", 64)
	v.SetDefault("modbus.connect_attempts", 1)
	v.SetDefault("modbus.connect_backoff", "2s")
	v.SetDefault("devices.source", SourceFile)
	v.SetDefault("devices.path", "configs/devices.yaml")
	v.SetDefault("devices.autostart", true)

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "MBP_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	// Environment Variables mit Prefix MBP_, z.B. MBP_MODBUS_WORKER_POOL_SIZE
	v.SetEnvPrefix("MBP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Devices.Source {
	case SourceFile:
		if c.Devices.Path == "" {
			return fmt.Errorf("devices.path is required for source %q", SourceFile)
		}
	case SourcePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for source %q", SourcePostgres)
		}
	default:
		return fmt.Errorf("unknown devices.source %q", c.Devices.Source)
	}
	if c.Modbus.WorkerPoolSize < 1 {
		return fmt.Errorf("modbus.worker_pool_size must be at least 1")
	}
	if c.Modbus.DefaultPollInterval <= 0 {
		return fmt.Errorf("modbus.default_poll_interval must be positive")
	}
	for _, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users entries need username and password_hash")
		}
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "MBP_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return devSecret
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
