package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/config"
	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

type constTransport struct{}

func (constTransport) Connect() error { return nil }
func (constTransport) Close() error { return nil }
func (constTransport) WriteSingleCoil(uint16, bool) error { return nil }
func (constTransport) WriteMultipleRegisters(uint16, []uint16) error { return nil }
func (constTransport) Read(_ register.FunctionCode, _, n uint16) ([]uint16, error) {
	out := make([]uint16, n)
	for i := range out {
		out[i] = 42
	}
	return out, nil
}

const twoDevices = `
devices:
  - name: boiler
    protocol: TCP
    ip: 10.0.0.5
    address: 1
    scan_rate: 20ms
    registers:
      - {function: 3, address: 0, code: T1, name: Temperature, format: Unsigned}
  - name: chiller
    protocol: TCP
    ip: 10.0.0.6
    address: 2
    scan_rate: 20ms
    registers:
      - {function: 4, address: 0, code: P, name: Pressure, format: Unsigned}
`

const oneDevice = `
devices:
  - name: boiler
    protocol: TCP
    ip: 10.0.0.5
    address: 1
    scan_rate: 20ms
    registers:
      - {function: 3, address: 0, code: T1, name: Temperature, format: Unsigned}
`

func newLifecycle(t *testing.T, doc string) (*LifecycleManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg := &config.Config{}
	cfg.Modbus = config.ModbusConfig{
		DefaultTimeout:      time.Second,
		DefaultPollInterval: time.Second,
		WorkerPoolSize:      4,
		ResultBuffer:        8,
		ConnectAttempts:     1,
	}
	cfg.Devices = config.DevicesConfig{Source: config.SourceFile, Path: path, Autostart: true}
	cfg.Auth = config.AuthConfig{JWTSecretEnv: "MBP_LIFECYCLE_TEST_SECRET", AccessTokenTTL: time.Minute}

	lm, err := NewLifecycleManager(nil, cfg, zap.NewNop())
	assert.NilError(t, err)
	lm.DeviceManager().UseTransport(func(types.ConnectionSettings) (modbus.Transport, error) {
		return constTransport{}, nil
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lm.Shutdown(ctx)
	})
	return lm, path
}

func TestLifecycleStartDispatchesResults(t *testing.T) {
	lm, _ := newLifecycle(t, twoDevices)
	assert.NilError(t, lm.Start())

	status := lm.GetCurrentStatus()
	assert.Equal(t, status.State, "RUNNING")
	assert.Equal(t, status.DeviceCount, 2)
	assert.Equal(t, status.DefinitionSource, "file "+lm.Config().Devices.Path)

	dm := lm.DeviceManager()
	for _, d := range dm.List() {
		id := d.ID
		poll.WaitOn(t, func(poll.LogT) poll.Result {
			rs, ok := dm.Latest(id)
			if !ok {
				return poll.Continue("no snapshot for %s", d.Name)
			}
			assert.Equal(t, rs.Rows[0].Value, "42.00")
			return poll.Success()
		}, poll.WithTimeout(2*time.Second))
	}
}

func TestLifecycleReload(t *testing.T) {
	lm, path := newLifecycle(t, twoDevices)
	assert.NilError(t, lm.Start())
	assert.Equal(t, lm.GetCurrentStatus().ActiveSessions, 2)

	assert.NilError(t, os.WriteFile(path, []byte(oneDevice), 0o644))
	assert.NilError(t, lm.Reload(context.Background()))

	status := lm.GetCurrentStatus()
	assert.Equal(t, status.State, "RUNNING")
	assert.Equal(t, status.DeviceCount, 1)
	assert.Equal(t, status.ActiveSessions, 1)

	assert.NilError(t, os.WriteFile(path, []byte("devices: [{name: broken}]"), 0o644))
	err := lm.Reload(context.Background())
	assert.ErrorContains(t, err, "failed to load device definitions")
	status = lm.GetCurrentStatus()
	assert.Equal(t, status.State, "ERROR")
	assert.Assert(t, status.Error != "")

	// a good file recovers from the error state
	assert.NilError(t, os.WriteFile(path, []byte(oneDevice), 0o644))
	assert.NilError(t, lm.Reload(context.Background()))
	assert.Equal(t, lm.GetCurrentStatus().State, "RUNNING")
}

func TestLifecycleReloadKeepsStoppedDevicesStopped(t *testing.T) {
	lm, path := newLifecycle(t, oneDevice)
	assert.NilError(t, lm.Start())
	dm := lm.DeviceManager()

	boiler := dm.List()[0]
	assert.Equal(t, boiler.Name, "boiler")
	assert.NilError(t, dm.Stop(context.Background(), boiler.ID))

	assert.NilError(t, os.WriteFile(path, []byte(twoDevices), 0o644))
	assert.NilError(t, lm.Reload(context.Background()))

	for _, d := range dm.List() {
		switch d.Name {
		case "boiler":
			assert.Assert(t, !d.Active, "stopped device was restarted by reload")
		case "chiller":
			assert.Assert(t, d.Active, "new device was not started")
		}
	}
	assert.Equal(t, lm.GetCurrentStatus().ActiveSessions, 1)
}

func TestLifecycleShutdownBroadcastsStatus(t *testing.T) {
	lm, _ := newLifecycle(t, oneDevice)
	assert.NilError(t, lm.Start())

	ch := lm.SubscribeStatus()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, lm.Shutdown(ctx))

	assert.Equal(t, (<-ch).State, StateStopping)
	assert.Equal(t, (<-ch).State, StateStopped)
	assert.Equal(t, lm.GetCurrentStatus().ActiveSessions, 0)

	// second call is a no-op
	assert.NilError(t, lm.Shutdown(ctx))
}

func TestLifecycleMissingFile(t *testing.T) {
	lm, path := newLifecycle(t, oneDevice)
	assert.NilError(t, os.Remove(path))

	err := lm.Start()
	assert.ErrorContains(t, err, "failed to load device definitions")
	assert.Equal(t, lm.GetCurrentStatus().State, "ERROR")
}

func TestPostgresSourceNeedsDatabase(t *testing.T) {
	cfg := &config.Config{}
	cfg.Devices.Source = config.SourcePostgres
	_, err := NewLifecycleManager(nil, cfg, zap.NewNop())
	assert.Error(t, err, `devices.source "postgres" needs a database connection`)
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateRunning, StateReloading, true},
		{StateReloading, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateError, StateReloading, true},
		{StateStopped, StateRunning, false},
		{StateReloading, StateStopping, false},
		{StateRunning, StateInitializing, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NilError(t, err)
				return
			}
			assert.ErrorContains(t, err, "invalid state transition")
		})
	}
}
