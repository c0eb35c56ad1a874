package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/api/rest"
	"github.com/KevinKickass/ModbusPoller/internal/api/stream"
	"github.com/KevinKickass/ModbusPoller/internal/api/websocket"
	"github.com/KevinKickass/ModbusPoller/internal/auth"
	"github.com/KevinKickass/ModbusPoller/internal/config"
	"github.com/KevinKickass/ModbusPoller/internal/devices"
	"github.com/KevinKickass/ModbusPoller/internal/interfaces"
	"github.com/KevinKickass/ModbusPoller/internal/metrics"
	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/KevinKickass/ModbusPoller/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// LifecycleManager owns the device manager and every outer surface, and
// fans poll results out to websocket clients and gRPC streams.
type LifecycleManager struct {
	config  *config.Config
	storage *storage.PostgresClient
	logger  *zap.Logger

	registry      *prometheus.Registry
	deviceManager *devices.Manager
	source        devices.Source
	authService   *auth.AuthService
	wsHub         *websocket.Hub

	streamService *stream.Service
	grpcServer    *stream.Server
	restServer    *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error
	loadedAt     time.Time

	listenersMu     sync.RWMutex
	statusListeners []chan StatusEvent

	reloadMu     sync.Mutex
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	dispatchDone chan struct{}
}

// NewLifecycleManager wires the system together. db may be nil unless the
// definitions come from postgres.
func NewLifecycleManager(db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	loader, err := devices.NewLoader(cfg.Modbus.DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition loader: %w", err)
	}

	var source devices.Source
	switch cfg.Devices.Source {
	case config.SourcePostgres:
		if db == nil {
			return nil, fmt.Errorf("devices.source %q needs a database connection", cfg.Devices.Source)
		}
		source = devices.StoreSource(loader, db)
	default:
		source = devices.FileSource(loader, cfg.Devices.Path)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deviceManager := devices.NewManager(devices.ManagerConfig{
		WorkerPoolSize:  cfg.Modbus.WorkerPoolSize,
		ResultBuffer:    cfg.Modbus.ResultBuffer,
		DefaultInterval: cfg.Modbus.DefaultPollInterval,
		DefaultTimeout:  cfg.Modbus.DefaultTimeout,
		Connect: modbus.ConnectPolicy{
			Attempts: cfg.Modbus.ConnectAttempts,
			Backoff:  cfg.Modbus.ConnectBackoff,
		},
		TraceFrames: cfg.Modbus.TraceFrames,
	}, metrics.New(registry), logger)

	authService := auth.NewAuthService(cfg.Auth, logger)
	streamService := stream.NewService(logger)

	lm := &LifecycleManager{
		config:          cfg,
		storage:         db,
		logger:          logger,
		registry:        registry,
		deviceManager:   deviceManager,
		source:          source,
		authService:     authService,
		wsHub:           websocket.NewHub(logger, authService),
		streamService:   streamService,
		grpcServer:      stream.NewServer(streamService, logger),
		currentState:    StateInitializing,
		shutdownChan:    make(chan struct{}),
		dispatchDone:    make(chan struct{}),
		statusListeners: make([]chan StatusEvent, 0),
	}
	lm.restServer = rest.NewServer(cfg, lm, logger, lm.wsHub, authService, registry)
	return lm, nil
}

// Start loads the definitions, starts the active sessions and opens the
// REST and gRPC listeners.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting Modbus poller",
		zap.String("definition_source", lm.source.Describe()))
	lm.broadcastStatus()

	go lm.wsHub.Run()
	go lm.dispatch()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := lm.loadDefinitions(ctx); err != nil {
		lm.setError(err)
		return err
	}

	if lm.config.Devices.Autostart {
		if err := lm.deviceManager.StartActive(); err != nil {
			// Einzelne Geräte dürfen fehlen, der Rest läuft weiter
			lm.logger.Warn("Some device sessions failed to start", zap.Error(err))
		}
	}

	if err := lm.grpcServer.Start(lm.config.Server.GRPCPort); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.restServer.Start(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	if err := lm.setState(StateRunning); err != nil {
		return err
	}

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("devices", len(lm.deviceManager.List())))

	return nil
}

func (lm *LifecycleManager) loadDefinitions(ctx context.Context) error {
	file, err := lm.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load device definitions from %s: %w", lm.source.Describe(), err)
	}
	if err := lm.deviceManager.Apply(ctx, file); err != nil {
		return fmt.Errorf("failed to apply device definitions: %w", err)
	}

	lm.stateMu.Lock()
	lm.loadedAt = time.Now()
	lm.stateMu.Unlock()

	lm.logger.Info("Device definitions loaded",
		zap.String("source", lm.source.Describe()),
		zap.Int("devices", len(file.Devices)))
	return nil
}

// Reload re-reads the definition source and applies it to the running
// sessions. With autostart on, enabled devices that were not defined before
// are started.
func (lm *LifecycleManager) Reload(ctx context.Context) error {
	lm.reloadMu.Lock()
	defer lm.reloadMu.Unlock()

	if err := lm.setState(StateReloading); err != nil {
		return err
	}

	known := make(map[uuid.UUID]bool)
	for _, d := range lm.deviceManager.List() {
		known[d.ID] = true
	}

	if err := lm.loadDefinitions(ctx); err != nil {
		lm.setError(err)
		return err
	}

	// Only devices new to this load are autostarted; a device the operator
	// stopped stays stopped.
	if lm.config.Devices.Autostart {
		var errs []error
		for _, d := range lm.deviceManager.List() {
			if known[d.ID] || !d.Enabled {
				continue
			}
			if err := lm.deviceManager.Start(d.ID); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			lm.logger.Warn("Some device sessions failed to start", zap.Error(err))
		}
	}

	return lm.setState(StateRunning)
}

// dispatch drains the manager's result and event channels until shutdown.
func (lm *LifecycleManager) dispatch() {
	defer close(lm.dispatchDone)

	results := lm.deviceManager.Results()
	events := lm.deviceManager.Events()
	for {
		select {
		case rs := <-results:
			lm.wsHub.Broadcast(websocket.NewPollResultMessage(rs))
			lm.streamService.Publish(rs)

		case ev := <-events:
			if ev.Err != nil {
				lm.wsHub.Broadcast(websocket.NewSessionErrorMessage(ev.DeviceID, ev.DeviceName, ev.Err))
				continue
			}
			lm.wsHub.Broadcast(websocket.NewSessionStateMessage(ev.DeviceID, ev.DeviceName, ev.State))

		case <-lm.shutdownChan:
			return
		}
	}
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		if err := lm.setState(StateStopping); err != nil {
			lm.logger.Warn("Unexpected state on shutdown", zap.Error(err))
		}

		shutdownErr = lm.gracefulShutdown(ctx)

		close(lm.shutdownChan)
		<-lm.dispatchDone
		lm.wsHub.Stop()

		if err := lm.setState(StateStopped); err != nil {
			lm.logger.Warn("Unexpected state on shutdown", zap.Error(err))
		}
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// 1. Stop Device Manager (all sessions & connections)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lm.deviceManager.StopAll(ctx); err != nil {
			errChan <- fmt.Errorf("device manager stop failed: %w", err)
		}
	}()

	// 2. REST API Server graceful shutdown
	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
		}
	}()

	// 3. gRPC Server graceful stop
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.grpcServer.Shutdown(ctx)
	}()

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}

	select {
	case err := <-errChan:
		return err
	default:
		lm.logger.Info("Graceful shutdown completed")
		return nil
	}
}

func (lm *LifecycleManager) setState(state SystemState) error {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.stateMu.Unlock()
		return err
	}
	lm.currentState = state
	if state != StateError {
		lm.lastErr = nil
	}
	lm.stateMu.Unlock()

	lm.broadcastStatus()
	return nil
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastErr = err
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	list := lm.deviceManager.List()
	active, running := 0, 0
	for _, d := range list {
		if d.Active {
			active++
		}
		if d.State == modbus.StateRunning {
			running++
		}
	}

	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:             lm.currentState.String(),
		DefinitionSource:  lm.source.Describe(),
		DefinitionsLoaded: lm.loadedAt,
		DeviceCount:       len(list),
		ActiveSessions:    active,
		RunningSessions:   running,
		WebSocketClients:  lm.wsHub.GetClientCount(),
		StreamSubscribers: lm.streamService.Subscribers(),
		DroppedResultSets: lm.deviceManager.DroppedResults(),
	}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.stateMu.RLock()
	state, lastErr := lm.currentState, lm.lastErr
	lm.stateMu.RUnlock()

	active := 0
	list := lm.deviceManager.List()
	for _, d := range list {
		if d.Active {
			active++
		}
	}
	status := newStatusEvent(state, len(list), active, lastErr)

	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(status))

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan StatusEvent {
	ch := make(chan StatusEvent, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan StatusEvent) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// DeviceManager returns the device manager
func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

// Storage returns the storage client, nil for file based definitions.
func (lm *LifecycleManager) Storage() *storage.PostgresClient {
	return lm.storage
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Registry is the prometheus registry served on /metrics.
func (lm *LifecycleManager) Registry() *prometheus.Registry {
	return lm.registry
}
