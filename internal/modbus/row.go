package modbus

import (
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/google/uuid"
)

// TimestampLayout is how row timestamps are rendered for display.
const TimestampLayout = "02-01-2006 15:04:05"

// Row is one decoded point from one poll cycle.
type Row struct {
	DeviceName   string                `json:"device_name"`
	RegisterID   uuid.UUID             `json:"register_id"`
	Address      uint16                `json:"address"`
	Name         string                `json:"name"`
	Code         string                `json:"code"`
	Format       codec.Format          `json:"format"`
	Value        string                `json:"value"`
	Raw          []uint16              `json:"raw"`
	Timestamp    time.Time             `json:"timestamp"`
	Changed      bool                  `json:"changed"`
	FunctionCode register.FunctionCode `json:"function_code"`
	DeviceID     uuid.UUID             `json:"device_id"`
}

// Record renders the row as its twelve display columns.
func (r Row) Record() []string {
	raw := make([]string, len(r.Raw))
	for i, w := range r.Raw {
		raw[i] = strconv.FormatUint(uint64(w), 10)
	}
	return []string{
		r.DeviceName,
		r.RegisterID.String(),
		strconv.Itoa(int(r.Address)),
		r.Name,
		r.Code,
		r.Format.String(),
		r.Value,
		"[" + strings.Join(raw, ", ") + "]",
		r.Timestamp.Format(TimestampLayout),
		strconv.FormatBool(r.Changed),
		strconv.Itoa(int(r.FunctionCode)),
		r.DeviceID.String(),
	}
}

// ResultSet is everything one cycle produced for one device.
type ResultSet struct {
	DeviceID   uuid.UUID     `json:"device_id"`
	DeviceName string        `json:"device_name"`
	Cycle      uint64        `json:"cycle"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Rows       []Row         `json:"rows"`
}
