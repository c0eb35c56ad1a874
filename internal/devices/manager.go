package devices

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/adjust"
	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/metrics"
	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownDevice = errors.New("device not found")
	ErrNotActive     = errors.New("device session not active")
	ErrUnknownPoint  = errors.New("register not found")
)

type ManagerConfig struct {
	WorkerPoolSize  int
	ResultBuffer    int
	DefaultInterval time.Duration
	DefaultTimeout  time.Duration
	Connect         modbus.ConnectPolicy
	TraceFrames     bool
}

// TransportFactory opens the wire side for one device.
type TransportFactory func(settings types.ConnectionSettings) (modbus.Transport, error)

// Event reports a session state change. Err is set when a session ended
// because of a failure.
type Event struct {
	DeviceID   uuid.UUID    `json:"device_id"`
	DeviceName string       `json:"device_name"`
	State      modbus.State `json:"state"`
	Err        error        `json:"-"`
	Timestamp  time.Time    `json:"timestamp"`
}

// DeviceStatus is the operator view of one configured device.
type DeviceStatus struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Protocol  types.Protocol `json:"protocol"`
	Address   string         `json:"address"`
	SlaveID   uint8          `json:"slave_id"`
	Enabled   bool           `json:"enabled"`
	Active    bool           `json:"active"`
	State     modbus.State   `json:"state"`
	Registers int            `json:"registers"`
	Interval  time.Duration  `json:"interval"`
	Cycles    uint64         `json:"cycles"`
	LastError string         `json:"last_error,omitempty"`
}

type session struct {
	id          uuid.UUID
	name        string
	settings    types.ConnectionSettings
	poller      *modbus.Poller
	loop        *modbus.Loop
	queueCancel context.CancelFunc
	done        chan struct{}
}

// Manager owns the configured devices and their poll sessions. Sessions run
// in a fixed-size worker pool; a session that finds the pool full waits in
// the idle state until a slot frees up.
type Manager struct {
	cfg          ManagerConfig
	logger       *zap.Logger
	metrics      *metrics.Collector
	newTransport TransportFactory
	pool         *semaphore.Weighted
	results      *modbus.Publisher
	events       chan Event
	snapshots    *Snapshots

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	network   Network
	defs      map[uuid.UUID]*Definition
	sessions  map[uuid.UUID]*session
	lastError map[uuid.UUID]string
}

func NewManager(cfg ManagerConfig, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 16
	}
	if cfg.ResultBuffer < 1 {
		cfg.ResultBuffer = 64
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = types.DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		metrics:   collector,
		pool:      semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		results:   modbus.NewPublisher(cfg.ResultBuffer),
		events:    make(chan Event, 64),
		snapshots: NewSnapshots(),
		ctx:       ctx,
		cancel:    cancel,
		defs:      make(map[uuid.UUID]*Definition),
		sessions:  make(map[uuid.UUID]*session),
		lastError: make(map[uuid.UUID]string),
	}
	m.newTransport = func(settings types.ConnectionSettings) (modbus.Transport, error) {
		return modbus.NewTransport(settings, logger, cfg.TraceFrames)
	}
	if collector != nil {
		m.results.NotifyDrop(collector.ResultSetDropped)
	}
	return m
}

// UseTransport replaces the wire factory. Call before any session starts.
func (m *Manager) UseTransport(f TransportFactory) {
	m.newTransport = f
}

// Results delivers completed cycles of every device. A lagging consumer
// loses older sets; Latest always has the newest one.
func (m *Manager) Results() <-chan modbus.ResultSet {
	return m.results.C()
}

// Events delivers session state changes. Events are dropped when nobody
// reads them.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) Snapshots() *Snapshots {
	return m.snapshots
}

// DroppedResults counts result sets discarded because the consumer lagged.
func (m *Manager) DroppedResults() uint64 {
	return m.results.Dropped()
}

// Latest is the most recent result set of a device.
func (m *Manager) Latest(id uuid.UUID) (modbus.ResultSet, bool) {
	return m.snapshots.Get(id)
}

// Apply installs a new set of definitions. Running sessions of unchanged
// devices get the new request plan swapped in; sessions whose connection,
// interval or name changed are restarted and removed devices are stopped.
// Devices that are not running stay stopped.
func (m *Manager) Apply(ctx context.Context, file *File) error {
	if err := file.Validate(m.cfg.DefaultTimeout); err != nil {
		return err
	}

	next := make(map[uuid.UUID]*Definition, len(file.Devices))
	for i := range file.Devices {
		def := file.Devices[i]
		next[def.DeviceID()] = &def
	}

	m.mu.Lock()
	m.network = file.Network
	var restart, stop []uuid.UUID
	for id, s := range m.sessions {
		def, ok := next[id]
		if !ok {
			stop = append(stop, id)
			continue
		}
		prev := m.defs[id]
		settings, _ := def.Settings(file.Network, m.cfg.DefaultTimeout)
		if !reflect.DeepEqual(settings, s.settings) ||
			def.Interval(m.cfg.DefaultInterval) != prev.Interval(m.cfg.DefaultInterval) ||
			def.Name != prev.Name {
			restart = append(restart, id)
			continue
		}
		plan, _ := def.Plan()
		s.poller.SetPlan(plan)
	}
	m.defs = next
	m.mu.Unlock()

	for _, id := range stop {
		if err := m.stopSession(ctx, id); err != nil {
			return err
		}
		m.snapshots.Delete(id)
		m.logger.Info("Device removed", zap.String("device_id", id.String()))
	}
	for _, id := range restart {
		if err := m.stopSession(ctx, id); err != nil {
			return err
		}
		if err := m.Start(id); err != nil {
			return err
		}
	}

	m.logger.Info("Device definitions applied",
		zap.Int("devices", len(next)),
		zap.Int("restarted", len(restart)),
		zap.Int("removed", len(stop)))
	return nil
}

// StartActive starts every device whose definition is marked active.
func (m *Manager) StartActive() error {
	var errs []error
	for _, def := range m.definitions() {
		if !def.IsActive() {
			continue
		}
		if err := m.Start(def.DeviceID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches the poll session of a device. Starting an active device is
// a no-op.
func (m *Manager) Start(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if _, running := m.sessions[id]; running {
		return nil
	}

	settings, err := def.Settings(m.network, m.cfg.DefaultTimeout)
	if err != nil {
		return err
	}
	plan, err := def.Plan()
	if err != nil {
		return err
	}
	transport, err := m.newTransport(settings)
	if err != nil {
		return err
	}

	poller := modbus.NewPoller(id, def.Name, transport, plan, m.logger)
	if m.metrics != nil {
		poller.Observe(m.metrics)
	}

	queueCtx, queueCancel := context.WithCancel(m.ctx)
	s := &session{
		id:          id,
		name:        def.Name,
		settings:    settings,
		poller:      poller,
		queueCancel: queueCancel,
		done:        make(chan struct{}),
	}
	s.loop = modbus.NewLoop(poller, modbus.LoopConfig{
		Interval: def.Interval(m.cfg.DefaultInterval),
		Connect:  m.cfg.Connect,
		OnState: func(state modbus.State) {
			m.sendEvent(Event{DeviceID: id, DeviceName: s.name, State: state, Timestamp: time.Now()})
		},
		OnResult: m.snapshots.Store,
	}, m.results, m.logger)

	m.sessions[id] = s
	delete(m.lastError, id)

	m.wg.Add(1)
	go m.runSession(queueCtx, s)

	m.logger.Info("Device session started",
		zap.String("device", def.Name),
		zap.String("address", settings.Address()),
		zap.Int("registers", plan.Registers()))
	return nil
}

func (m *Manager) runSession(queueCtx context.Context, s *session) {
	defer m.wg.Done()
	defer close(s.done)

	if err := m.pool.Acquire(queueCtx, 1); err != nil {
		m.endSession(s, nil)
		return
	}
	defer m.pool.Release(1)

	if m.metrics != nil {
		m.metrics.SessionStarted()
		defer m.metrics.SessionEnded()
	}

	err := s.loop.Run(m.ctx)
	m.endSession(s, err)
}

func (m *Manager) endSession(s *session, err error) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	if err != nil {
		m.lastError[s.id] = err.Error()
	}
	m.mu.Unlock()
	s.queueCancel()

	if err != nil {
		var derr *types.DeviceError
		if !errors.As(err, &derr) {
			derr = &types.DeviceError{DeviceID: s.id, DeviceName: s.name, Err: err}
		}
		m.logger.Error("Device session failed", zap.Error(derr))
		m.sendEvent(Event{
			DeviceID:   s.id,
			DeviceName: s.name,
			State:      modbus.StateIdle,
			Err:        derr,
			Timestamp:  time.Now(),
		})
	}
}

// Stop ends the session of a device and waits until it has disconnected or
// ctx expires. Stopping an idle device is a no-op.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	m.mu.RLock()
	_, known := m.defs[id]
	m.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return m.stopSession(ctx, id)
}

func (m *Manager) stopSession(ctx context.Context, id uuid.UUID) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	s.loop.Stop()
	s.queueCancel()

	select {
	case <-s.done:
		m.logger.Info("Device session stopped", zap.String("device", s.name))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to stop: %w", s.name, ctx.Err())
	}
}

// StopAll stops every session. In-flight wire transactions are waited out
// until ctx expires, after which outstanding cycles are cancelled.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.loop.Stop()
		s.queueCancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All device sessions stopped", zap.Int("count", len(sessions)))
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("stopping device sessions: %w", ctx.Err())
	}
}

// IsActive reports whether the device has a session, queued or running.
func (m *Manager) IsActive(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *Manager) State(id uuid.UUID) modbus.State {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return modbus.StateIdle
	}
	return s.loop.State()
}

// Definition returns a copy of the device definition.
func (m *Manager) Definition(id uuid.UUID) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[id]
	if !ok {
		return Definition{}, false
	}
	return *def, true
}

func (m *Manager) definitions() []*Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Definition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List reports every configured device, ordered by name.
func (m *Manager) List() []DeviceStatus {
	defs := m.definitions()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(defs))
	for _, def := range defs {
		id := def.DeviceID()
		st := DeviceStatus{
			ID:        id,
			Name:      def.Name,
			Protocol:  def.Protocol,
			SlaveID:   uint8(def.Address),
			Enabled:   def.IsActive(),
			State:     modbus.StateIdle,
			Interval:  def.Interval(m.cfg.DefaultInterval),
			LastError: m.lastError[id],
		}
		if settings, err := def.Settings(m.network, m.cfg.DefaultTimeout); err == nil {
			st.Address = settings.Address()
		}
		if plan, err := def.Plan(); err == nil {
			st.Registers = plan.Registers()
		}
		if s, ok := m.sessions[id]; ok {
			st.Active = true
			st.State = s.loop.State()
			st.Cycles = s.loop.Cycles()
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) activePoller(id uuid.UUID) (*modbus.Poller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.defs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return s.poller, nil
}

// WriteBit writes a single coil through the device's active session.
func (m *Manager) WriteBit(ctx context.Context, id uuid.UUID, address uint16, value bool) error {
	p, err := m.activePoller(id)
	if err != nil {
		return err
	}
	return p.WriteBit(ctx, address, value)
}

// WriteRegisters writes a display value through the device's active session.
func (m *Manager) WriteRegisters(ctx context.Context, id uuid.UUID, address uint16, format codec.Format, adjustments adjust.Pipeline, value string) error {
	p, err := m.activePoller(id)
	if err != nil {
		return err
	}
	return p.WriteRegisters(ctx, address, format, adjustments, value)
}

// WriteRegister writes to a configured point, taking format and
// adjustments from its definition. Coil points accept 0/1, true/false or
// one of their lookup labels.
func (m *Manager) WriteRegister(ctx context.Context, id, registerID uuid.UUID, value string) error {
	def, ok := m.Definition(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	spec, ok := def.Register(registerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPoint, registerID)
	}

	switch spec.FunctionCode {
	case register.ReadCoils:
		on, err := parseBit(value, spec.Adjustments)
		if err != nil {
			return err
		}
		return m.WriteBit(ctx, id, spec.Address, on)
	case register.ReadHoldingRegisters:
		return m.WriteRegisters(ctx, id, spec.Address, spec.Format, spec.Adjustments, value)
	default:
		return fmt.Errorf("%w: %s is read-only", types.ErrBadInput, spec.FunctionCode)
	}
}

func parseBit(value string, p adjust.Pipeline) (bool, error) {
	v := strings.TrimSpace(value)
	for _, s := range p.Labels() {
		if strings.EqualFold(s.Label, v) && (s.Match == 0 || s.Match == 1) {
			return s.Match == 1, nil
		}
	}
	switch strings.ToLower(v) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b, nil
	}
	return false, fmt.Errorf("%w: %q is not a coil value", types.ErrBadInput, value)
}

func (m *Manager) sendEvent(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
