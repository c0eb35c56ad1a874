package register

import (
	"fmt"

	"github.com/KevinKickass/ModbusPoller/internal/adjust"
	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/google/uuid"
)

// FunctionCode selects one of the four Modbus read tables.
type FunctionCode uint8

const (
	ReadCoils            FunctionCode = 1
	ReadDiscreteInputs   FunctionCode = 2
	ReadHoldingRegisters FunctionCode = 3
	ReadInputRegisters   FunctionCode = 4
)

// FunctionCodes lists the read tables in poll order.
var FunctionCodes = []FunctionCode{
	ReadCoils, ReadDiscreteInputs, ReadHoldingRegisters, ReadInputRegisters,
}

func (fc FunctionCode) Valid() bool {
	return fc >= ReadCoils && fc <= ReadInputRegisters
}

// IsBit reports whether the table holds single bits instead of words.
func (fc FunctionCode) IsBit() bool {
	return fc == ReadCoils || fc == ReadDiscreteInputs
}

// MaxQuantity is the protocol limit for one read request.
func (fc FunctionCode) MaxQuantity() int {
	if fc.IsBit() {
		return 2000
	}
	return 125
}

func (fc FunctionCode) String() string {
	switch fc {
	case ReadCoils:
		return "01 Read Coils"
	case ReadDiscreteInputs:
		return "02 Read Discrete Inputs"
	case ReadHoldingRegisters:
		return "03 Read Holding Registers"
	case ReadInputRegisters:
		return "04 Read Input Registers"
	default:
		return fmt.Sprintf("FunctionCode(%d)", uint8(fc))
	}
}

// Spec describes one monitored point. It is immutable for the lifetime of
// a poll session.
type Spec struct {
	DeviceID     uuid.UUID       `json:"device_id"`
	DeviceName   string          `json:"device_name"`
	FunctionCode FunctionCode    `json:"function_code"`
	Address      uint16          `json:"address"`
	ID           uuid.UUID       `json:"register_id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Format       codec.Format    `json:"format"`
	Adjustments  adjust.Pipeline `json:"adjustments"`
	Active       bool            `json:"active"`
}

// Words is the width of the point in registers (or bits for coil tables).
func (s *Spec) Words() int {
	return s.Format.Words()
}

// Validate checks the point in isolation.
func (s *Spec) Validate() error {
	if !s.FunctionCode.Valid() {
		return fmt.Errorf("%w: register %s: invalid function code %d",
			types.ErrConfiguration, s.Code, s.FunctionCode)
	}
	if !s.Format.Valid() {
		return fmt.Errorf("register %s: %w", s.Code, codec.ErrUnknownFormat)
	}
	if s.FunctionCode.IsBit() && s.Words() != 1 {
		return fmt.Errorf("%w: register %s: %s spans %d words, bit tables hold single bits",
			types.ErrConfiguration, s.Code, s.Format, s.Words())
	}
	if int(s.Address)+s.Words() > 65536 {
		return fmt.Errorf("%w: register %s at %d runs past the address space",
			types.ErrConfiguration, s.Code, s.Address)
	}
	return nil
}
