package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/auth"
	"github.com/KevinKickass/ModbusPoller/internal/config"
	"github.com/KevinKickass/ModbusPoller/internal/devices"
	"github.com/KevinKickass/ModbusPoller/internal/metrics"
	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/KevinKickass/ModbusPoller/internal/storage"
	"github.com/KevinKickass/ModbusPoller/internal/system"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `usage: mbpoll [command] [flags]

commands:
  serve          run the poller with REST, websocket and gRPC surfaces (default)
  poll           poll one device from the console and print its rows
  hash-password  print an argon2id hash for auth.users
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "poll":
		err = pollDevice(args)
	case "hash-password":
		err = hashPassword(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func serve(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "configs/config.yaml", "path to the config file")
	development := fs.Bool("dev", false, "human readable development logging")
	fs.Parse(args)

	// Logger initialisieren
	logger, err := newLogger(*development)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	// PostgreSQL nur wenn die Definitionen dort liegen
	var db *storage.PostgresClient
	if cfg.Devices.Source == config.SourcePostgres {
		db, err = connectDatabase(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		logger.Info("Database connected successfully")
	}

	// Lifecycle Manager
	lifecycle, err := system.NewLifecycleManager(db, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create lifecycle manager", zap.Error(err))
	}

	// System starten
	if err := lifecycle.Start(); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("Modbus poller started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Modbus poller stopped successfully")
	return nil
}

// pollDevice runs a single session in the foreground and prints every row
// as it arrives, until the cycle count is reached or the user interrupts.
func pollDevice(args []string) error {
	fs := pflag.NewFlagSet("poll", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "configs/config.yaml", "path to the config file")
	name := fs.StringP("device", "d", "", "device name to poll")
	count := fs.IntP("count", "n", 0, "stop after this many cycles, 0 polls until interrupted")
	fs.Parse(args)

	if *name == "" {
		return errors.New("poll: --device is required")
	}

	logger, err := newLogger(true)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	loader, err := devices.NewLoader(cfg.Modbus.DefaultTimeout)
	if err != nil {
		return err
	}
	source := devices.FileSource(loader, cfg.Devices.Path)
	if cfg.Devices.Source == config.SourcePostgres {
		db, err := connectDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		source = devices.StoreSource(loader, db)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	file, err := source.Load(ctx)
	if err != nil {
		return err
	}

	manager := devices.NewManager(devices.ManagerConfig{
		WorkerPoolSize:  1,
		ResultBuffer:    cfg.Modbus.ResultBuffer,
		DefaultInterval: cfg.Modbus.DefaultPollInterval,
		DefaultTimeout:  cfg.Modbus.DefaultTimeout,
		Connect: modbus.ConnectPolicy{
			Attempts: cfg.Modbus.ConnectAttempts,
			Backoff:  cfg.Modbus.ConnectBackoff,
		},
		TraceFrames: cfg.Modbus.TraceFrames,
	}, metrics.New(prometheus.NewRegistry()), logger)
	if err := manager.Apply(ctx, file); err != nil {
		return err
	}

	var target *devices.DeviceStatus
	for _, d := range manager.List() {
		if d.Name == *name {
			target = &d
			break
		}
	}
	if target == nil {
		return fmt.Errorf("poll: %w: %q", devices.ErrUnknownDevice, *name)
	}
	if err := manager.Start(target.ID); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.StopAll(stopCtx)
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tREGISTER\tADDRESS\tNAME\tCODE\tFORMAT\tVALUE\tRAW\tTIME\tCHANGED\tFC\tDEVICE ID")
	for cycles := 0; *count == 0 || cycles < *count; cycles++ {
		select {
		case rs := <-manager.Results():
			for _, row := range rs.Rows {
				fmt.Fprintln(w, strings.Join(row.Record(), "\t"))
			}
			w.Flush()
		case ev := <-manager.Events():
			if ev.Err != nil {
				return ev.Err
			}
			cycles--
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func hashPassword(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: mbpoll hash-password <password>")
	}
	hash, err := auth.NewPasswordHasher().HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func connectDatabase(cfg *config.Config) (*storage.PostgresClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.NewPostgresClient(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
