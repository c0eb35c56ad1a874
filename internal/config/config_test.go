package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9090\n"))
	assert.NilError(t, err)

	assert.Equal(t, cfg.Server.HTTPPort, 9090)
	assert.Equal(t, cfg.Server.GRPCPort, 50051)
	assert.Equal(t, cfg.Modbus.DefaultTimeout, time.Second)
	assert.Equal(t, cfg.Modbus.WorkerPoolSize, 16)
	assert.Equal(t, cfg.Modbus.ConnectAttempts, 1)
	assert.Equal(t, cfg.Devices.Source, SourceFile)
	assert.Assert(t, cfg.Devices.Autostart)
	assert.Equal(t, cfg.Auth.AccessTokenTTL, time.Hour)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MBP_MODBUS_WORKER_POOL_SIZE", "3")
	t.Setenv("MBP_DEVICES_PATH", "/etc/mbpoll/devices.yaml")

	cfg, err := Load(writeConfig(t, "modbus:\n  worker_pool_size: 8\n"))
	assert.NilError(t, err)
	assert.Equal(t, cfg.Modbus.WorkerPoolSize, 3)
	assert.Equal(t, cfg.Devices.Path, "/etc/mbpoll/devices.yaml")
}

func TestLoadUsers(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
auth:
  users:
    - username: alice
      password_hash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"
      role: operator
`))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(cfg.Auth.Users, 1))
	assert.Equal(t, cfg.Auth.Users[0].Role, "operator")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		msg     string
	}{
		{"unknown source", "devices:\n  source: redis\n", `unknown devices.source "redis"`},
		{"postgres without host", "devices:\n  source: postgres\n", `database.host is required for source "postgres"`},
		{"empty pool", "modbus:\n  worker_pool_size: 0\n", "modbus.worker_pool_size must be at least 1"},
		{"user without hash", "auth:\n  users:\n    - username: bob\n", "auth.users entries need username and password_hash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err, tt.msg)
		})
	}
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "MBP_TEST_SECRET"}
	assert.Equal(t, a.GetJWTSecret(), devSecret)
	assert.Assert(t, !a.IsProductionReady())

	t.Setenv("MBP_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	assert.Assert(t, a.IsProductionReady())
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5432, Database: "mbpoll", User: "u", Password: "p"}
	assert.Equal(t, db.DSN(), "postgres://u:p@db:5432/mbpoll?sslmode=disable")
}
