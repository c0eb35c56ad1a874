package devices

import (
	"context"
	"fmt"

	"github.com/KevinKickass/ModbusPoller/internal/storage"
)

// Source produces the current device definitions.
type Source interface {
	Load(ctx context.Context) (*File, error)
	Describe() string
}

type fileSource struct {
	loader *Loader
	path   string
}

// FileSource reads definitions from a YAML or JSON file.
func FileSource(loader *Loader, path string) Source {
	return &fileSource{loader: loader, path: path}
}

func (s *fileSource) Load(ctx context.Context) (*File, error) {
	return s.loader.Load(s.path)
}

func (s *fileSource) Describe() string {
	return "file " + s.path
}

// DefinitionStore is the read side of the Postgres device store.
type DefinitionStore interface {
	LoadDeviceDefinitions(ctx context.Context) ([]storage.DeviceRecord, error)
	LoadSerialPorts(ctx context.Context) ([]storage.SerialPortRecord, error)
}

type storeSource struct {
	loader *Loader
	store  DefinitionStore
}

// StoreSource reads definitions from the database. Each row is validated
// like a single device document.
func StoreSource(loader *Loader, store DefinitionStore) Source {
	return &storeSource{loader: loader, store: store}
}

func (s *storeSource) Load(ctx context.Context) (*File, error) {
	ports, err := s.store.LoadSerialPorts(ctx)
	if err != nil {
		return nil, err
	}
	network := Network{Serial: make(map[string]SerialPort, len(ports))}
	for _, p := range ports {
		network.Serial[p.Interface] = SerialPort{Baud: p.Baud, Bits: p.Bits, Parity: p.Parity, Stop: p.Stop}
	}

	records, err := s.store.LoadDeviceDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]Definition, 0, len(records))
	for _, r := range records {
		def, err := s.loader.ParseDevice(r.Definition)
		if err != nil {
			return nil, fmt.Errorf("stored device %s: %w", r.DeviceName, err)
		}
		def.ID = r.ID.String()
		enabled := r.Enabled && def.IsActive()
		def.Active = &enabled
		defs = append(defs, *def)
	}

	return s.loader.Assemble(network, defs)
}

func (s *storeSource) Describe() string {
	return "postgres"
}
