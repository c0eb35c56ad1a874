package devices

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/adjust"
	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/planner"
	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/google/uuid"
)

// File is a device definitions document.
type File struct {
	Network Network      `json:"network"`
	Devices []Definition `json:"devices"`
}

type Network struct {
	Serial map[string]SerialPort `json:"serial,omitempty"`
}

type SerialPort struct {
	Baud   int    `json:"baud"`
	Bits   int    `json:"bits"`
	Parity string `json:"parity"`
	Stop   int    `json:"stop"`
}

// Definition is one slave and the points polled from it.
type Definition struct {
	ID        string               `json:"id,omitempty"`
	Name      string               `json:"name"`
	Protocol  types.Protocol       `json:"protocol"`
	IP        string               `json:"ip,omitempty"`
	Port      int                  `json:"port,omitempty"`
	Interface string               `json:"interface,omitempty"`
	Address   int                  `json:"address"`
	Active    *bool                `json:"active,omitempty"`
	ScanRate  Duration             `json:"scan_rate,omitempty"`
	Timeout   Duration             `json:"timeout,omitempty"`
	Registers []RegisterDefinition `json:"registers"`
}

type RegisterDefinition struct {
	ID          string                `json:"id,omitempty"`
	Function    register.FunctionCode `json:"function"`
	Address     uint16                `json:"address"`
	Code        string                `json:"code"`
	Name        string                `json:"name"`
	Format      codec.Format          `json:"format"`
	Active      *bool                 `json:"active,omitempty"`
	Adjustments adjust.Pipeline       `json:"adjustments,omitempty"`
}

// DeviceID is the configured id, or a name-based id derived from the
// connection identity so that it stays stable across restarts.
func (d *Definition) DeviceID() uuid.UUID {
	if id, err := uuid.Parse(d.ID); err == nil {
		return id
	}
	key := string(d.Protocol) + d.Interface + d.IP + strconv.Itoa(d.Address)
	return uuid.NewSHA1(uuid.NameSpaceX500, []byte(key))
}

// IsActive reports whether the device should poll on startup. Devices
// without the flag are active.
func (d *Definition) IsActive() bool {
	return enabled(d.Active)
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Interval is the scan rate, or def when none is configured.
func (d *Definition) Interval(def time.Duration) time.Duration {
	if d.ScanRate > 0 {
		return time.Duration(d.ScanRate)
	}
	return def
}

// Settings resolves the connection parameters. RTU devices take their line
// settings from the network section, falling back to 9600 8N1.
func (d *Definition) Settings(network Network, defaultTimeout time.Duration) (types.ConnectionSettings, error) {
	if d.Address < 0 || d.Address > 247 {
		return types.ConnectionSettings{}, fmt.Errorf("%w: device %s: slave id %d out of range",
			types.ErrConfiguration, d.Name, d.Address)
	}
	timeout := time.Duration(d.Timeout)
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := types.ConnectionSettings{
		Protocol: types.Protocol(strings.ToUpper(string(d.Protocol))),
		SlaveID:  uint8(d.Address),
		Timeout:  timeout,
	}

	switch s.Protocol {
	case types.ProtocolTCP:
		port := d.Port
		if port == 0 {
			port = types.DefaultTCPPort
		}
		s.TCP = &types.TCPSettings{Host: d.IP, Port: port}
	case types.ProtocolRTU:
		line := SerialPort{
			Baud:   types.DefaultBaudRate,
			Bits:   types.DefaultDataBits,
			Parity: types.DefaultParity,
			Stop:   types.DefaultStopBits,
		}
		if sp, ok := network.Serial[d.Interface]; ok {
			if sp.Baud > 0 {
				line.Baud = sp.Baud
			}
			if sp.Bits > 0 {
				line.Bits = sp.Bits
			}
			if sp.Parity != "" {
				line.Parity = strings.ToUpper(sp.Parity[:1])
			}
			if sp.Stop > 0 {
				line.Stop = sp.Stop
			}
		}
		s.RTU = &types.RTUSettings{
			Port:     d.Interface,
			BaudRate: line.Baud,
			DataBits: line.Bits,
			Parity:   line.Parity,
			StopBits: line.Stop,
		}
	}

	if err := s.Validate(); err != nil {
		return types.ConnectionSettings{}, fmt.Errorf("device %s: %w", d.Name, err)
	}
	return s, nil
}

// Specs expands the register list into point descriptions, inactive ones
// included.
func (d *Definition) Specs() ([]register.Spec, error) {
	deviceID := d.DeviceID()
	out := make([]register.Spec, 0, len(d.Registers))
	for _, r := range d.Registers {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			id = uuid.NewSHA1(deviceID, []byte(fmt.Sprintf("%d:%d", r.Function, r.Address)))
		}
		spec := register.Spec{
			DeviceID:     deviceID,
			DeviceName:   d.Name,
			FunctionCode: r.Function,
			Address:      r.Address,
			ID:           id,
			Code:         r.Code,
			Name:         r.Name,
			Format:       r.Format,
			Adjustments:  r.Adjustments,
			Active:       enabled(r.Active),
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Plan builds the request plan for the active registers.
func (d *Definition) Plan() (*planner.Plan, error) {
	specs, err := d.Specs()
	if err != nil {
		return nil, err
	}
	plan, err := planner.BuildPlan(specs)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.Name, err)
	}
	return plan, nil
}

// Register finds a register by id.
func (d *Definition) Register(id uuid.UUID) (register.Spec, bool) {
	specs, err := d.Specs()
	if err != nil {
		return register.Spec{}, false
	}
	for _, s := range specs {
		if s.ID == id {
			return s, true
		}
	}
	return register.Spec{}, false
}

// Validate checks every device and rejects duplicate ids.
func (f *File) Validate(defaultTimeout time.Duration) error {
	seen := make(map[uuid.UUID]string, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		id := d.DeviceID()
		if other, dup := seen[id]; dup {
			return fmt.Errorf("%w: devices %s and %s share id %s", types.ErrConfiguration, other, d.Name, id)
		}
		seen[id] = d.Name
		if _, err := d.Settings(f.Network, defaultTimeout); err != nil {
			return err
		}
		if _, err := d.Plan(); err != nil {
			return err
		}
	}
	return nil
}

// Duration accepts either a Go duration string ("250ms") or a number of
// milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*d = Duration(ms * float64(time.Millisecond))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: duration must be a string or milliseconds", types.ErrConfiguration)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	*d = Duration(parsed)
	return nil
}
