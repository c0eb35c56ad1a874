package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeviceRecord is one stored device definition. Definition holds the same
// JSON document a definitions file carries per device.
type DeviceRecord struct {
	ID         uuid.UUID       `json:"id"`
	DeviceName string          `json:"device_name"`
	Definition json.RawMessage `json:"definition"` // JSONB
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SerialPortRecord holds the line settings shared by every RTU device on
// one interface.
type SerialPortRecord struct {
	Interface string `json:"interface"`
	Baud      int    `json:"baud"`
	Bits      int    `json:"bits"`
	Parity    string `json:"parity"`
	Stop      int    `json:"stop"`
}
