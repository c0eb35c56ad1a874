package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/simulator"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// A Modbus TCP slave backed by a register bank, for exercising the poller
// without hardware.
func main() {
	configPath := pflag.StringP("config", "c", "configs/simulator.yaml", "path to the bank file")
	listen := pflag.String("listen", "", "override the listen url, e.g. tcp://0.0.0.0:5020")
	tick := pflag.Duration("tick", time.Second, "counter increment interval, 0 disables")
	pflag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := simulator.LoadBankConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load bank config", zap.Error(err))
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	srv, err := simulator.NewServer(cfg.Listen, simulator.NewBank(*cfg), logger)
	if err != nil {
		logger.Fatal("Failed to create simulator", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start simulator", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var ticks <-chan time.Time
	if *tick > 0 {
		ticker := time.NewTicker(*tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ticks:
			srv.Bank().Tick()
		case <-sigChan:
			logger.Info("Shutdown signal received")
			if err := srv.Stop(); err != nil {
				logger.Error("Stop failed", zap.Error(err))
			}
			return
		}
	}
}
