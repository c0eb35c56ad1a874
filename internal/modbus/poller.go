package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/adjust"
	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/planner"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotConnected = fmt.Errorf("%w: not connected", types.ErrTransport)

// Function codes of the write requests, for error context.
const (
	fcWriteSingleCoil        uint8 = 5
	fcWriteMultipleRegisters uint8 = 16
)

// Observer receives per-device counters. The metrics package provides the
// production implementation.
type Observer interface {
	CycleCompleted(device string, took time.Duration, rows int)
	BatchFailed(device string, fc register.FunctionCode)
	RowDropped(device string, fc register.FunctionCode)
	WriteCompleted(device, kind string, err error)
}

type nopObserver struct{}

func (nopObserver) CycleCompleted(string, time.Duration, int) {}
func (nopObserver) BatchFailed(string, register.FunctionCode) {}
func (nopObserver) RowDropped(string, register.FunctionCode) {}
func (nopObserver) WriteCompleted(string, string, error) {}

// Poller owns the connection to one device and runs single poll cycles
// and writes against it. Reads and writes share one lock, so at most one
// wire transaction is in flight per device.
type Poller struct {
	deviceID   uuid.UUID
	deviceName string
	transport  Transport
	plan       atomic.Pointer[planner.Plan]
	logger     *zap.Logger
	observer   Observer

	mu        sync.Mutex
	connected bool
	last      map[uuid.UUID]string
	now       func() time.Time
}

func NewPoller(deviceID uuid.UUID, deviceName string, transport Transport, plan *planner.Plan, logger *zap.Logger) *Poller {
	p := &Poller{
		deviceID:   deviceID,
		deviceName: deviceName,
		transport:  transport,
		logger:     logger.With(zap.String("device", deviceName)),
		observer:   nopObserver{},
		last:       make(map[uuid.UUID]string),
		now:        time.Now,
	}
	p.plan.Store(plan)
	return p
}

// Observe installs o as the counter sink. Call before the poller is used.
func (p *Poller) Observe(o Observer) {
	if o != nil {
		p.observer = o
	}
}

func (p *Poller) DeviceID() uuid.UUID { return p.deviceID }

func (p *Poller) DeviceName() string { return p.deviceName }

// SetPlan swaps in a new batch plan. The next cycle uses it.
func (p *Poller) SetPlan(plan *planner.Plan) {
	p.plan.Store(plan)
	p.logger.Info("Request plan replaced", zap.Int("registers", plan.Registers()))
}

func (p *Poller) Plan() *planner.Plan {
	return p.plan.Load()
}

// Connect opens the transport. It does not retry.
func (p *Poller) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}
	if err := p.transport.Connect(); err != nil {
		if !errors.Is(err, types.ErrTransport) {
			err = fmt.Errorf("%w: %w", types.ErrTransport, err)
		}
		return err
	}
	p.connected = true
	p.logger.Info("Device connected")
	return nil
}

// Disconnect closes the transport. Safe to call repeatedly or before
// Connect.
func (p *Poller) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	if err := p.transport.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", types.ErrTransport, err)
	}
	p.logger.Info("Device disconnected")
	return nil
}

func (p *Poller) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// PollOnce reads every batch of the current plan once. A failed batch only
// drops its own rows; the error return is reserved for a poller that is not
// connected or a cancelled context.
func (p *Poller) PollOnce(ctx context.Context) ([]Row, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	plan := p.plan.Load()
	start := p.now()
	rows := make([]Row, 0, plan.Registers())

	for _, batch := range plan.All() {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		batchRows, err := p.pollBatch(batch)
		if errors.Is(err, ErrNotConnected) {
			return rows, err
		}
		rows = append(rows, batchRows...)
	}

	p.observer.CycleCompleted(p.deviceName, p.now().Sub(start), len(rows))
	return rows, nil
}

func (p *Poller) pollBatch(batch planner.Batch) ([]Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, ErrNotConnected
	}

	resp, err := p.transport.Read(batch.Function, batch.StartAddress, uint16(batch.WordCount))
	if err != nil {
		err = p.wireError(uint8(batch.Function), batch.StartAddress, err)
		p.observer.BatchFailed(p.deviceName, batch.Function)
		p.logger.Warn("Batch read failed",
			zap.Int("count", batch.WordCount),
			zap.Error(err))
		return nil, err
	}

	ts := p.now()
	rows := make([]Row, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		reg := e.Register
		raw := batch.Slice(resp, e)
		v, err := codec.Decode(reg.Format, raw)
		if err != nil {
			p.observer.RowDropped(p.deviceName, batch.Function)
			p.logger.Debug("Register dropped",
				zap.String("code", reg.Code),
				zap.Uint16("address", reg.Address),
				zap.Error(err))
			continue
		}

		value := adjust.Apply(v, reg.Adjustments)
		prev, seen := p.last[reg.ID]
		p.last[reg.ID] = value

		name := reg.DeviceName
		if name == "" {
			name = p.deviceName
		}
		rows = append(rows, Row{
			DeviceName:   name,
			RegisterID:   reg.ID,
			Address:      reg.Address,
			Name:         reg.Name,
			Code:         reg.Code,
			Format:       reg.Format,
			Value:        value,
			Raw:          append([]uint16(nil), raw...),
			Timestamp:    ts,
			Changed:      !seen || prev != value,
			FunctionCode: batch.Function,
			DeviceID:     p.deviceID,
		})
	}
	return rows, nil
}

// WriteBit sets a single coil.
func (p *Poller) WriteBit(ctx context.Context, address uint16, value bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrNotConnected
	}
	err := p.transport.WriteSingleCoil(address, value)
	p.observer.WriteCompleted(p.deviceName, "coil", err)
	if err != nil {
		return p.wireError(fcWriteSingleCoil, address, err)
	}
	p.logger.Info("Coil written", zap.Uint16("address", address), zap.Bool("value", value))
	return nil
}

// WriteRegisters converts a display value back to wire words and writes
// them starting at address. Values that fail validation never reach the
// wire and return an error wrapping types.ErrBadInput.
func (p *Poller) WriteRegisters(ctx context.Context, address uint16, format codec.Format, adjustments adjust.Pipeline, value string) error {
	words, err := adjust.EncodeDisplay(format, adjustments, value)
	if err != nil {
		p.observer.WriteCompleted(p.deviceName, "registers", err)
		return err
	}
	if int(address)+len(words) > 65536 {
		err := fmt.Errorf("%w: %d words at %d run past the address space", types.ErrBadInput, len(words), address)
		p.observer.WriteCompleted(p.deviceName, "registers", err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrNotConnected
	}
	err = p.transport.WriteMultipleRegisters(address, words)
	p.observer.WriteCompleted(p.deviceName, "registers", err)
	if err != nil {
		return p.wireError(fcWriteMultipleRegisters, address, err)
	}
	p.logger.Info("Registers written",
		zap.Uint16("address", address),
		zap.Stringer("format", format),
		zap.String("value", value))
	return nil
}

// wireError attaches the request that failed to a transport error.
func (p *Poller) wireError(fc uint8, address uint16, err error) error {
	return &types.DeviceError{
		DeviceID:     p.deviceID,
		DeviceName:   p.deviceName,
		FunctionCode: fc,
		Address:      address,
		Err:          err,
	}
}
