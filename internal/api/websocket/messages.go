package websocket

import (
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/google/uuid"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Poll data
	MessageTypePollResult MessageType = "poll_result"

	// Session lifecycle
	MessageTypeSessionState MessageType = "session_state"
	MessageTypeSessionError MessageType = "session_error"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message. DeviceID is used for
// subscription filtering and is not sent.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	DeviceID  uuid.UUID   `json:"-"`
}

// SessionStateData reports a poll session state change.
type SessionStateData struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	State      string `json:"state"`
}

// SessionErrorData reports why a poll session ended.
type SessionErrorData struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Error      string `json:"error"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewPollResultMessage(rs modbus.ResultSet) Message {
	msg := NewMessage(MessageTypePollResult, rs)
	msg.DeviceID = rs.DeviceID
	return msg
}

func NewSessionStateMessage(deviceID uuid.UUID, deviceName string, state modbus.State) Message {
	msg := NewMessage(MessageTypeSessionState, SessionStateData{
		DeviceID:   deviceID.String(),
		DeviceName: deviceName,
		State:      state.String(),
	})
	msg.DeviceID = deviceID
	return msg
}

func NewSessionErrorMessage(deviceID uuid.UUID, deviceName string, err error) Message {
	msg := NewMessage(MessageTypeSessionError, SessionErrorData{
		DeviceID:   deviceID.String(),
		DeviceName: deviceName,
		Error:      err.Error(),
	})
	msg.DeviceID = deviceID
	return msg
}

func NewSystemStatusMessage(status interface{}) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}
