package modbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrLoopStarted = errors.New("poll loop already started")

// ConnectPolicy bounds how often a loop tries to open its connection before
// giving up. The zero value means one attempt.
type ConnectPolicy struct {
	Attempts int
	Backoff  time.Duration
}

type LoopConfig struct {
	Interval time.Duration
	Connect  ConnectPolicy
	// OnState is called on every state change, from the loop goroutine.
	OnState func(State)
	// OnResult sees every completed cycle before it reaches the publisher,
	// so it never misses a set the publisher later discards.
	OnResult func(ResultSet)
}

// Loop drives one Poller at a fixed cadence until stopped. Each completed
// cycle is handed to the publisher.
type Loop struct {
	poller *Poller
	cfg    LoopConfig
	out    *Publisher
	logger *zap.Logger

	state    atomic.Int32
	started  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	err   error
	cycle uint64
}

func NewLoop(poller *Poller, cfg LoopConfig, out *Publisher, logger *zap.Logger) *Loop {
	if cfg.Connect.Attempts < 1 {
		cfg.Connect.Attempts = 1
	}
	return &Loop{
		poller:   poller,
		cfg:      cfg,
		out:      out,
		logger:   logger.With(zap.String("device", poller.DeviceName())),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until the loop is stopped, ctx is cancelled or a fatal error
// ends the session. The returned error is nil for a requested stop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopStarted
	}
	defer close(l.done)

	l.setState(StateConnecting)
	if err := l.connect(ctx); err != nil {
		l.logger.Error("Connect failed, poll loop terminated", zap.Error(err))
		l.finish(err)
		return err
	}

	l.setState(StateRunning)
	l.logger.Info("Poll loop started",
		zap.Duration("interval", l.cfg.Interval),
		zap.Int("registers", l.poller.Plan().Registers()))

	err := l.run(ctx)
	if err != nil {
		l.logger.Error("Poll loop aborted", zap.Error(err))
	}
	l.finish(err)
	return err
}

func (l *Loop) connect(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= l.cfg.Connect.Attempts; attempt++ {
		if err = l.poller.Connect(ctx); err == nil {
			return nil
		}
		if attempt == l.cfg.Connect.Attempts {
			break
		}
		l.logger.Warn("Connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", l.cfg.Connect.Backoff),
			zap.Error(err))
		select {
		case <-time.After(l.cfg.Connect.Backoff):
		case <-l.stopChan:
			return err
		case <-ctx.Done():
			return err
		}
	}
	return err
}

func (l *Loop) run(ctx context.Context) error {
	for {
		if l.stopRequested() || ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		rows, err := l.poller.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		elapsed := time.Since(start)

		l.mu.Lock()
		l.cycle++
		cycle := l.cycle
		l.mu.Unlock()

		rs := ResultSet{
			DeviceID:   l.poller.DeviceID(),
			DeviceName: l.poller.DeviceName(),
			Cycle:      cycle,
			Started:    start,
			Duration:   elapsed,
			Rows:       rows,
		}
		if l.cfg.OnResult != nil {
			l.cfg.OnResult(rs)
		}
		if !l.out.Publish(rs) {
			l.logger.Debug("Result consumer lagging, oldest set dropped")
		}

		wait := l.cfg.Interval - time.Since(start)
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-l.stopChan:
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

func (l *Loop) finish(err error) {
	l.setState(StateStopping)
	if derr := l.poller.Disconnect(); derr != nil {
		l.logger.Warn("Disconnect failed", zap.Error(derr))
	}
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.setState(StateIdle)
	l.logger.Info("Poll loop stopped")
}

func (l *Loop) setState(to State) {
	from := State(l.state.Swap(int32(to)))
	if err := ValidateTransition(from, to); err != nil {
		l.logger.Error("Unexpected state change", zap.Error(err))
	}
	if l.cfg.OnState != nil {
		l.cfg.OnState(to)
	}
}

// Stop asks the loop to end after the current cycle. It does not wait.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *Loop) stopRequested() bool {
	select {
	case <-l.stopChan:
		return true
	default:
		return false
	}
}

// Done is closed once the loop has disconnected and returned to idle.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err is the error that ended the last session, nil after a requested stop.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

// Cycles is the number of completed poll cycles.
func (l *Loop) Cycles() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycle
}

func (l *Loop) Poller() *Poller {
	return l.poller
}
