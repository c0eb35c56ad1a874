package system

import (
	"fmt"
	"time"
)

type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateReloading
	StateStopping
	StateStopped
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateReloading:
		return "RELOADING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s SystemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusEvent is what status listeners and websocket clients receive.
type StatusEvent struct {
	State     SystemState `json:"state"`
	Devices   int         `json:"devices"`
	Active    int         `json:"active_sessions"`
	Timestamp int64       `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

func newStatusEvent(state SystemState, devices, active int, err error) StatusEvent {
	ev := StatusEvent{
		State:     state,
		Devices:   devices,
		Active:    active,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func ValidateTransition(from, to SystemState) error {
	validTransitions := map[SystemState][]SystemState{
		StateInitializing: {StateRunning, StateStopping, StateError},
		StateRunning:      {StateReloading, StateStopping, StateError},
		StateReloading:    {StateRunning, StateError},
		StateStopping:     {StateStopped, StateError},
		StateStopped:      {StateInitializing},
		StateError:        {StateInitializing, StateReloading, StateStopping, StateStopped},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
