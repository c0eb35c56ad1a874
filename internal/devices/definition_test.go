package devices

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/adjust"
	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const rtuDoc = `
network:
  serial:
    /dev/ttyUSB0:
      baud: 19200
      bits: 8
      parity: even
      stop: 1
devices:
  - name: meter
    protocol: RTU
    interface: /dev/ttyUSB0
    address: 7
    scan_rate: 500
    timeout: 250ms
    registers:
      - function: 4
        address: 100
        code: KWH
        name: Energy
        format: Long DC BA
        adjustments:
          - "*": 0.1
      - function: 4
        address: 102
        code: V
        name: Voltage
        format: Float AB CD
        active: false
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRTUDefinitions(t *testing.T) {
	loader, err := NewLoader(time.Second)
	assert.NilError(t, err)

	file, err := loader.Load(writeFile(t, "devices.yaml", rtuDoc))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(file.Devices, 1))

	d := file.Devices[0]
	assert.Equal(t, d.Interval(time.Second), 500*time.Millisecond)

	s, err := d.Settings(file.Network, time.Second)
	assert.NilError(t, err)
	assert.Equal(t, s.Protocol, types.ProtocolRTU)
	assert.Equal(t, s.SlaveID, uint8(7))
	assert.Equal(t, s.Timeout, 250*time.Millisecond)
	assert.Equal(t, s.RTU.BaudRate, 19200)
	assert.Equal(t, s.RTU.Parity, "E")
	assert.Equal(t, s.Address(), "/dev/ttyUSB0")

	specs, err := d.Specs()
	assert.NilError(t, err)
	assert.Equal(t, specs[0].Format, codec.LongDCBA)
	assert.Equal(t, specs[0].FunctionCode, register.ReadInputRegisters)
	assert.DeepEqual(t, specs[0].Adjustments, adjust.Pipeline{adjust.Arith(adjust.OpMul, 0.1)})
	assert.Assert(t, !specs[1].Active)

	plan, err := d.Plan()
	assert.NilError(t, err)
	assert.Equal(t, plan.Registers(), 1)
}

func TestDeviceIDIsStable(t *testing.T) {
	a := Definition{Name: "a", Protocol: types.ProtocolTCP, IP: "10.0.0.1", Address: 1}
	b := Definition{Name: "renamed", Protocol: types.ProtocolTCP, IP: "10.0.0.1", Address: 1}
	c := Definition{Name: "a", Protocol: types.ProtocolTCP, IP: "10.0.0.1", Address: 2}

	assert.Equal(t, a.DeviceID(), b.DeviceID())
	assert.Assert(t, a.DeviceID() != c.DeviceID())

	fixed := Definition{ID: "6f1c1c1e-7d7a-4f43-9d35-0d4d9f3b9d11"}
	assert.Equal(t, fixed.DeviceID().String(), "6f1c1c1e-7d7a-4f43-9d35-0d4d9f3b9d11")
}

func TestTCPDefaults(t *testing.T) {
	d := Definition{Name: "plc", Protocol: "tcp", IP: "192.168.1.10", Address: 1}
	s, err := d.Settings(Network{}, 2*time.Second)
	assert.NilError(t, err)
	assert.Equal(t, s.Protocol, types.ProtocolTCP)
	assert.Equal(t, s.Address(), "192.168.1.10:502")
	assert.Equal(t, s.Timeout, 2*time.Second)
	assert.Assert(t, d.IsActive())
}

func TestRTUFallsBackTo9600_8N1(t *testing.T) {
	d := Definition{Name: "m", Protocol: types.ProtocolRTU, Interface: "COM3", Address: 3}
	s, err := d.Settings(Network{}, time.Second)
	assert.NilError(t, err)
	assert.Equal(t, s.RTU.BaudRate, 9600)
	assert.Equal(t, s.RTU.DataBits, 8)
	assert.Equal(t, s.RTU.Parity, "N")
	assert.Equal(t, s.RTU.StopBits, 1)
}

func TestLoaderRejects(t *testing.T) {
	loader, err := NewLoader(time.Second)
	assert.NilError(t, err)

	tests := []struct {
		name string
		doc  string
	}{
		{"missing ip", `
devices:
  - name: x
    protocol: TCP
    address: 1
    registers: []
`},
		{"unknown format", `
devices:
  - name: x
    protocol: TCP
    ip: 10.0.0.1
    address: 1
    registers:
      - {function: 3, address: 0, code: A, name: A, format: quad}
`},
		{"bad function", `
devices:
  - name: x
    protocol: TCP
    ip: 10.0.0.1
    address: 1
    registers:
      - {function: 6, address: 0, code: A, name: A, format: signed}
`},
		{"overlap", `
devices:
  - name: x
    protocol: TCP
    ip: 10.0.0.1
    address: 1
    registers:
      - {function: 3, address: 0, code: A, name: A, format: Float AB CD}
      - {function: 3, address: 1, code: B, name: B, format: signed}
`},
		{"duplicate device", `
devices:
  - {name: x, protocol: TCP, ip: 10.0.0.1, address: 1, registers: []}
  - {name: y, protocol: TCP, ip: 10.0.0.1, address: 1, registers: []}
`},
		{"division by zero", `
devices:
  - name: x
    protocol: TCP
    ip: 10.0.0.1
    address: 1
    registers:
      - function: 3
        address: 0
        code: A
        name: A
        format: signed
        adjustments:
          - "/": 0
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(writeFile(t, "devices.yml", tt.doc))
			assert.Assert(t, errors.Is(err, types.ErrConfiguration), "got %v", err)
		})
	}
}

func TestLoaderJSON(t *testing.T) {
	loader, err := NewLoader(0)
	assert.NilError(t, err)
	assert.Equal(t, loader.DefaultTimeout(), types.DefaultTimeout)

	doc := `{"devices":[{"name":"plc","protocol":"TCP","ip":"10.1.1.1","port":1502,"address":1,
"registers":[{"function":2,"address":3,"code":"DI3","name":"Door","format":"unsigned","adjustments":[{"0":"Closed"},{"1":"Open"}]}]}]}`
	file, err := loader.Load(writeFile(t, "devices.json", doc))
	assert.NilError(t, err)

	s, err := file.Devices[0].Settings(file.Network, loader.DefaultTimeout())
	assert.NilError(t, err)
	assert.Equal(t, s.Address(), "10.1.1.1:1502")

	specs, err := file.Devices[0].Specs()
	assert.NilError(t, err)
	assert.Equal(t, len(specs[0].Adjustments.Labels()), 2)

	got, ok := file.Devices[0].Register(specs[0].ID)
	assert.Assert(t, ok)
	assert.Equal(t, got.Code, "DI3")
}

func TestParseDeviceAndAssemble(t *testing.T) {
	loader, err := NewLoader(time.Second)
	assert.NilError(t, err)

	def, err := loader.ParseDevice([]byte(`{"name":"plc","protocol":"TCP","ip":"10.1.1.1","address":1,"registers":[]}`))
	assert.NilError(t, err)

	file, err := loader.Assemble(Network{}, []Definition{*def, *def})
	assert.Assert(t, errors.Is(err, types.ErrConfiguration))
	assert.Assert(t, file == nil)

	file, err = loader.Assemble(Network{}, []Definition{*def})
	assert.NilError(t, err)
	assert.Equal(t, len(file.Devices), 1)
}
