package modbus

import "fmt"

// State is the lifecycle position of one device's poll loop.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateRunning, StateStopping},
	StateRunning:    {StateStopping},
	StateStopping:   {StateIdle},
}

func ValidateTransition(from, to State) error {
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
