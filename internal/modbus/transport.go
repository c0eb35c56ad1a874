package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	mb "github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// Transport is the wire connection to one slave. Implementations are not
// required to be safe for concurrent use; the Poller serializes access.
type Transport interface {
	Connect() error
	Close() error
	// Read returns one word per register, or one 0/1 word per bit for the
	// coil and discrete input tables.
	Read(fc register.FunctionCode, address, quantity uint16) ([]uint16, error)
	WriteSingleCoil(address uint16, on bool) error
	WriteMultipleRegisters(address uint16, values []uint16) error
}

type connector interface {
	Connect() error
	Close() error
}

type wireTransport struct {
	handler connector
	client  mb.Client
	address string
}

// NewTransport builds a goburrow client for the given settings. Nothing is
// dialed until Connect.
func NewTransport(settings types.ConnectionSettings, logger *zap.Logger, trace bool) (Transport, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = types.DefaultTimeout
	}

	switch settings.Protocol {
	case types.ProtocolTCP:
		h := mb.NewTCPClientHandler(settings.Address())
		h.Timeout = timeout
		h.SlaveId = settings.SlaveID
		if trace {
			h.Logger = zap.NewStdLog(logger.Named("wire"))
		}
		return &wireTransport{handler: h, client: mb.NewClient(h), address: settings.Address()}, nil

	case types.ProtocolRTU:
		h := mb.NewRTUClientHandler(settings.RTU.Port)
		h.BaudRate = settings.RTU.BaudRate
		h.DataBits = settings.RTU.DataBits
		h.Parity = settings.RTU.Parity
		h.StopBits = settings.RTU.StopBits
		h.Timeout = timeout
		h.SlaveId = settings.SlaveID
		if trace {
			h.Logger = zap.NewStdLog(logger.Named("wire"))
		}
		return &wireTransport{handler: h, client: mb.NewClient(h), address: settings.RTU.Port}, nil
	}
	return nil, fmt.Errorf("%w: unknown protocol %q", types.ErrConfiguration, settings.Protocol)
}

func (t *wireTransport) Connect() error {
	if err := t.handler.Connect(); err != nil {
		return fmt.Errorf("%w: connect %s: %w", types.ErrTransport, t.address, err)
	}
	return nil
}

func (t *wireTransport) Close() error {
	return t.handler.Close()
}

func (t *wireTransport) Read(fc register.FunctionCode, address, quantity uint16) ([]uint16, error) {
	var (
		data []byte
		err  error
	)
	switch fc {
	case register.ReadCoils:
		data, err = t.client.ReadCoils(address, quantity)
	case register.ReadDiscreteInputs:
		data, err = t.client.ReadDiscreteInputs(address, quantity)
	case register.ReadHoldingRegisters:
		data, err = t.client.ReadHoldingRegisters(address, quantity)
	case register.ReadInputRegisters:
		data, err = t.client.ReadInputRegisters(address, quantity)
	default:
		return nil, fmt.Errorf("%w: invalid function code %d", types.ErrConfiguration, fc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %d x%d: %w", types.ErrTransport, fc, address, quantity, err)
	}
	if fc.IsBit() {
		return unpackBits(data, int(quantity)), nil
	}
	return unpackRegisters(data), nil
}

func (t *wireTransport) WriteSingleCoil(address uint16, on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	if _, err := t.client.WriteSingleCoil(address, value); err != nil {
		return fmt.Errorf("%w: write coil %d: %w", types.ErrTransport, address, err)
	}
	return nil
}

func (t *wireTransport) WriteMultipleRegisters(address uint16, values []uint16) error {
	if _, err := t.client.WriteMultipleRegisters(address, uint16(len(values)), packRegisters(values)); err != nil {
		return fmt.Errorf("%w: write %d registers at %d: %w", types.ErrTransport, len(values), address, err)
	}
	return nil
}

// unpackBits expands an LSB-first bit field, truncated to count.
func unpackBits(data []byte, count int) []uint16 {
	n := len(data) * 8
	if count < n {
		n = count
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(data[i/8]>>(uint(i)%8)) & 1
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}
