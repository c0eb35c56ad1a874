package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func collectStarts(t *testing.T, pub *Publisher, n int) []time.Time {
	t.Helper()
	var starts []time.Time
	timeout := time.After(5 * time.Second)
	for len(starts) < n {
		select {
		case rs := <-pub.C():
			starts = append(starts, rs.Started)
		case <-timeout:
			t.Fatalf("only %d result sets received", len(starts))
		}
	}
	return starts
}

func runLoop(t *testing.T, tr *fakeTransport, interval time.Duration) (*Loop, *Publisher) {
	t.Helper()
	p := newTestPoller(t, tr, spec(register.ReadHoldingRegisters, 0, "A", codec.Unsigned))
	pub := NewPublisher(16)
	l := NewLoop(p, LoopConfig{Interval: interval}, pub, zap.NewNop())
	go l.Run(context.Background())
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	return l, pub
}

func TestLoopCadence(t *testing.T) {
	tr := newFakeTransport()
	tr.delay = 20 * time.Millisecond
	_, pub := runLoop(t, tr, 100*time.Millisecond)

	starts := collectStarts(t, pub, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.Assert(t, gap >= 95*time.Millisecond && gap < 160*time.Millisecond, "gap %s", gap)
	}
}

func TestLoopOverrunStartsImmediately(t *testing.T) {
	tr := newFakeTransport()
	tr.delay = 120 * time.Millisecond
	_, pub := runLoop(t, tr, 100*time.Millisecond)

	starts := collectStarts(t, pub, 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.Assert(t, gap >= 115*time.Millisecond && gap < 170*time.Millisecond, "gap %s", gap)
	}
}

func TestLoopStop(t *testing.T) {
	tr := newFakeTransport()
	rec := &stateRecorder{}
	p := newTestPoller(t, tr, spec(register.ReadHoldingRegisters, 0, "A", codec.Unsigned))
	pub := NewPublisher(4)
	l := NewLoop(p, LoopConfig{Interval: time.Hour, OnState: rec.record}, pub, zap.NewNop())

	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()

	rs := <-pub.C()
	assert.Equal(t, rs.Cycle, uint64(1))
	assert.Equal(t, len(rs.Rows), 1)

	l.Stop()
	select {
	case err := <-errc:
		assert.NilError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	<-l.Done()

	assert.Equal(t, l.State(), StateIdle)
	assert.NilError(t, l.Err())
	assert.Equal(t, tr.closes, 1)
	assert.DeepEqual(t, rec.get(), []State{StateConnecting, StateRunning, StateStopping, StateIdle})

	assert.Assert(t, errors.Is(l.Run(context.Background()), ErrLoopStarted))
}

func TestLoopConnectFailureTerminates(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errWire
	rec := &stateRecorder{}
	p := newTestPoller(t, tr, spec(register.ReadHoldingRegisters, 0, "A", codec.Unsigned))
	l := NewLoop(p, LoopConfig{Interval: 10 * time.Millisecond, OnState: rec.record}, NewPublisher(1), zap.NewNop())

	err := l.Run(context.Background())
	assert.Assert(t, errors.Is(err, types.ErrTransport))
	assert.Assert(t, errors.Is(l.Err(), errWire))
	assert.Equal(t, tr.connects, 1)
	assert.Equal(t, tr.readCount(), 0)
	assert.DeepEqual(t, rec.get(), []State{StateConnecting, StateStopping, StateIdle})

	select {
	case <-l.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestLoopConnectPolicyRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errWire
	p := newTestPoller(t, tr)
	l := NewLoop(p, LoopConfig{
		Interval: 10 * time.Millisecond,
		Connect:  ConnectPolicy{Attempts: 3, Backoff: time.Millisecond},
	}, NewPublisher(1), zap.NewNop())

	err := l.Run(context.Background())
	assert.Assert(t, errors.Is(err, errWire))
	assert.Equal(t, tr.connects, 3)
}

func TestLoopContextCancel(t *testing.T) {
	tr := newFakeTransport()
	p := newTestPoller(t, tr, spec(register.ReadHoldingRegisters, 0, "A", codec.Unsigned))
	pub := NewPublisher(4)
	l := NewLoop(p, LoopConfig{Interval: time.Hour}, pub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	<-pub.C()
	cancel()
	select {
	case err := <-errc:
		assert.NilError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop ignored cancellation")
	}
	assert.Assert(t, !p.IsConnected())
}

func TestValidateTransition(t *testing.T) {
	assert.NilError(t, ValidateTransition(StateIdle, StateConnecting))
	assert.NilError(t, ValidateTransition(StateConnecting, StateStopping))
	assert.NilError(t, ValidateTransition(StateStopping, StateIdle))
	assert.ErrorContains(t, ValidateTransition(StateIdle, StateRunning), "invalid state transition")
	assert.ErrorContains(t, ValidateTransition(StateRunning, StateConnecting), "invalid state transition")
}

func TestPublisherDropsOldest(t *testing.T) {
	pub := NewPublisher(2)
	assert.Assert(t, pub.Publish(ResultSet{Cycle: 1}))
	assert.Assert(t, pub.Publish(ResultSet{Cycle: 2}))
	assert.Assert(t, !pub.Publish(ResultSet{Cycle: 3}))
	assert.Equal(t, pub.Dropped(), uint64(1))

	assert.Equal(t, (<-pub.C()).Cycle, uint64(2))
	assert.Equal(t, (<-pub.C()).Cycle, uint64(3))
}

func TestPublisherDropsOwnDeviceFirst(t *testing.T) {
	fast, slow := uuid.New(), uuid.New()
	pub := NewPublisher(3)
	assert.Assert(t, pub.Publish(ResultSet{DeviceID: fast, Cycle: 1}))
	assert.Assert(t, pub.Publish(ResultSet{DeviceID: slow, Cycle: 1}))
	assert.Assert(t, pub.Publish(ResultSet{DeviceID: fast, Cycle: 2}))
	for cycle := uint64(3); cycle <= 10; cycle++ {
		assert.Assert(t, !pub.Publish(ResultSet{DeviceID: fast, Cycle: cycle}))
	}
	assert.Equal(t, pub.Dropped(), uint64(8))

	first := <-pub.C()
	assert.Equal(t, first.DeviceID, slow)
	assert.Equal(t, (<-pub.C()).Cycle, uint64(9))
	assert.Equal(t, (<-pub.C()).Cycle, uint64(10))

	// a device with nothing buffered evicts the oldest set
	pub = NewPublisher(1)
	assert.Assert(t, pub.Publish(ResultSet{DeviceID: fast, Cycle: 1}))
	assert.Assert(t, !pub.Publish(ResultSet{DeviceID: slow, Cycle: 1}))
	assert.Equal(t, (<-pub.C()).DeviceID, slow)
}

func TestLoopOnResultSeesDroppedSets(t *testing.T) {
	tr := newFakeTransport()
	p := newTestPoller(t, tr, spec(register.ReadHoldingRegisters, 0, "A", codec.Unsigned))
	pub := NewPublisher(1)

	var mu sync.Mutex
	var seen []uint64
	l := NewLoop(p, LoopConfig{
		Interval: time.Millisecond,
		OnResult: func(rs ResultSet) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, rs.Cycle)
		},
	}, pub, zap.NewNop())
	go l.Run(context.Background())
	defer func() {
		l.Stop()
		<-l.Done()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for pub.Dropped() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Assert(t, pub.Dropped() >= 3)
	mu.Lock()
	defer mu.Unlock()
	assert.Assert(t, len(seen) >= 4)
	for i, c := range seen {
		assert.Equal(t, c, uint64(i+1))
	}
}
