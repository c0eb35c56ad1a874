package devices

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/storage"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"
)

type fakeStore struct {
	devices []storage.DeviceRecord
	ports   []storage.SerialPortRecord
	err     error
}

func (f *fakeStore) LoadDeviceDefinitions(context.Context) ([]storage.DeviceRecord, error) {
	return f.devices, f.err
}

func (f *fakeStore) LoadSerialPorts(context.Context) ([]storage.SerialPortRecord, error) {
	return f.ports, f.err
}

func TestStoreSource(t *testing.T) {
	loader, err := NewLoader(time.Second)
	assert.NilError(t, err)

	id := uuid.New()
	store := &fakeStore{
		ports: []storage.SerialPortRecord{{Interface: "/dev/ttyS1", Baud: 38400, Bits: 8, Parity: "O", Stop: 2}},
		devices: []storage.DeviceRecord{{
			ID:         id,
			DeviceName: "drive",
			Enabled:    false,
			Definition: []byte(`{"name":"drive","protocol":"RTU","interface":"/dev/ttyS1","address":4,
"registers":[{"function":3,"address":0,"code":"F","name":"Frequency","format":"Unsigned"}]}`),
		}},
	}

	file, err := StoreSource(loader, store).Load(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(file.Devices), 1)

	d := file.Devices[0]
	assert.Equal(t, d.DeviceID(), id)
	assert.Assert(t, !d.IsActive())

	s, err := d.Settings(file.Network, time.Second)
	assert.NilError(t, err)
	assert.Equal(t, s.RTU.BaudRate, 38400)
	assert.Equal(t, s.RTU.Parity, "O")
	assert.Equal(t, s.RTU.StopBits, 2)
}

func TestStoreSourceRejectsInvalidRow(t *testing.T) {
	loader, err := NewLoader(time.Second)
	assert.NilError(t, err)

	store := &fakeStore{devices: []storage.DeviceRecord{{
		ID:         uuid.New(),
		DeviceName: "broken",
		Definition: []byte(`{"name":"broken","protocol":"TCP","address":1,"registers":[]}`),
	}}}

	_, err = StoreSource(loader, store).Load(context.Background())
	assert.Assert(t, errors.Is(err, types.ErrConfiguration))
}

func TestFileSource(t *testing.T) {
	loader, err := NewLoader(time.Second)
	assert.NilError(t, err)
	path := writeFile(t, "devices.yaml", managerDoc)

	src := FileSource(loader, path)
	file, err := src.Load(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(file.Devices), 2)
	assert.Equal(t, src.Describe(), "file "+path)
}
