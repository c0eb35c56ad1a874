package modbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/adjust"
	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/planner"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

var errWire = errors.New("i/o timeout")

type readCall struct {
	fc       register.FunctionCode
	address  uint16
	quantity uint16
}

type fakeTransport struct {
	mu         sync.Mutex
	tables     map[register.FunctionCode]map[uint16]uint16
	failAt     map[uint16]bool
	shortBy    map[uint16]int
	delay      time.Duration
	connectErr error
	writeErr   error
	connects   int
	closes     int
	reads      []readCall
	coilWrites map[uint16]bool
	regWrites  map[uint16][]uint16

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		tables:     make(map[register.FunctionCode]map[uint16]uint16),
		failAt:     make(map[uint16]bool),
		shortBy:    make(map[uint16]int),
		coilWrites: make(map[uint16]bool),
		regWrites:  make(map[uint16][]uint16),
	}
}

func (f *fakeTransport) set(fc register.FunctionCode, address uint16, words ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[fc] == nil {
		f.tables[fc] = make(map[uint16]uint16)
	}
	for i, w := range words {
		f.tables[fc][address+uint16(i)] = w
	}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// begin tracks overlapping transactions; the returned func ends one.
func (f *fakeTransport) begin() func() {
	n := f.inFlight.Add(1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeTransport) pause() {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (f *fakeTransport) Read(fc register.FunctionCode, address, quantity uint16) ([]uint16, error) {
	defer f.begin()()
	f.mu.Lock()
	delay := f.delay
	f.reads = append(f.reads, readCall{fc, address, quantity})
	fail := f.failAt[address]
	short := f.shortBy[address]
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = f.tables[fc][address+uint16(i)]
	}
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, fmt.Errorf("%w: %w", types.ErrTransport, errWire)
	}
	return out[:len(out)-short], nil
}

func (f *fakeTransport) WriteSingleCoil(address uint16, on bool) error {
	defer f.begin()()
	f.pause()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.coilWrites[address] = on
	return nil
}

func (f *fakeTransport) WriteMultipleRegisters(address uint16, values []uint16) error {
	defer f.begin()()
	f.pause()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.regWrites[address] = append([]uint16(nil), values...)
	return nil
}

func (f *fakeTransport) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

func spec(fc register.FunctionCode, address uint16, code string, f codec.Format, steps ...adjust.Step) register.Spec {
	return register.Spec{
		DeviceName:   "boiler",
		FunctionCode: fc,
		Address:      address,
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(code)),
		Code:         code,
		Name:         code,
		Format:       f,
		Adjustments:  adjust.Pipeline(steps),
		Active:       true,
	}
}

func newTestPoller(t *testing.T, tr Transport, regs ...register.Spec) *Poller {
	t.Helper()
	plan, err := planner.BuildPlan(regs)
	assert.NilError(t, err)
	return NewPoller(uuid.New(), "boiler", tr, plan, zap.NewNop())
}
