package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/config"
	"github.com/KevinKickass/ModbusPoller/internal/devices"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string    `json:"state"`
	DefinitionSource  string    `json:"definition_source"`
	DefinitionsLoaded time.Time `json:"definitions_loaded"`
	DeviceCount       int       `json:"device_count"`
	ActiveSessions    int       `json:"active_sessions"`
	RunningSessions   int       `json:"running_sessions"`
	WebSocketClients  int       `json:"websocket_clients"`
	StreamSubscribers int       `json:"stream_subscribers"`
	DroppedResultSets uint64    `json:"dropped_result_sets"`
	Error             string    `json:"error,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() *devices.Manager
	GetCurrentStatus() SystemStatus
	Reload(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
