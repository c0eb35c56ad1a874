package simulator

import (
	"fmt"
	"os"
	"sync"

	sv "github.com/simonvetter/modbus"
	"gopkg.in/yaml.v3"
)

// BankConfig seeds a register bank. Keys are addresses.
type BankConfig struct {
	Listen         string            `yaml:"listen"`
	UnitID         uint8             `yaml:"unit_id"`
	Strict         bool              `yaml:"strict"`
	Coils          map[uint16]bool   `yaml:"coils"`
	DiscreteInputs map[uint16]bool   `yaml:"discrete_inputs"`
	Holding        map[uint16]uint16 `yaml:"holding_registers"`
	Input          map[uint16]uint16 `yaml:"input_registers"`
	// Counters are input registers incremented on every Tick.
	Counters []uint16 `yaml:"counters"`
}

func LoadBankConfig(path string) (*BankConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bank file: %w", err)
	}
	var cfg BankConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bank file: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = "tcp://0.0.0.0:5020"
	}
	return &cfg, nil
}

// Bank is an in-memory slave image. It implements the server's request
// handler. In strict mode, addresses that were never seeded answer with an
// illegal data address exception.
type Bank struct {
	mu       sync.RWMutex
	unitID   uint8
	strict   bool
	coils    map[uint16]bool
	discrete map[uint16]bool
	holding  map[uint16]uint16
	input    map[uint16]uint16
	counters []uint16
}

func NewBank(cfg BankConfig) *Bank {
	b := &Bank{
		unitID:   cfg.UnitID,
		strict:   cfg.Strict,
		coils:    make(map[uint16]bool),
		discrete: make(map[uint16]bool),
		holding:  make(map[uint16]uint16),
		input:    make(map[uint16]uint16),
		counters: append([]uint16(nil), cfg.Counters...),
	}
	for k, v := range cfg.Coils {
		b.coils[k] = v
	}
	for k, v := range cfg.DiscreteInputs {
		b.discrete[k] = v
	}
	for k, v := range cfg.Holding {
		b.holding[k] = v
	}
	for k, v := range cfg.Input {
		b.input[k] = v
	}
	for _, a := range b.counters {
		if _, ok := b.input[a]; !ok {
			b.input[a] = 0
		}
	}
	return b
}

// Tick advances every counter register by one.
func (b *Bank) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.counters {
		b.input[a]++
	}
}

func (b *Bank) SetHolding(address uint16, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range values {
		b.holding[address+uint16(i)] = v
	}
}

func (b *Bank) Holding(address uint16) uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.holding[address]
}

func (b *Bank) Coil(address uint16) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.coils[address]
}

func (b *Bank) checkUnit(id uint8) error {
	if b.unitID != 0 && id != b.unitID {
		return sv.ErrIllegalFunction
	}
	return nil
}

func (b *Bank) HandleCoils(req *sv.CoilsRequest) ([]bool, error) {
	if err := b.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	if req.IsWrite {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, v := range req.Args {
			addr := req.Addr + uint16(i)
			if _, ok := b.coils[addr]; !ok && b.strict {
				return nil, sv.ErrIllegalDataAddress
			}
			b.coils[addr] = v
		}
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return readBits(b.coils, req.Addr, req.Quantity, b.strict)
}

func (b *Bank) HandleDiscreteInputs(req *sv.DiscreteInputsRequest) ([]bool, error) {
	if err := b.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return readBits(b.discrete, req.Addr, req.Quantity, b.strict)
}

func (b *Bank) HandleHoldingRegisters(req *sv.HoldingRegistersRequest) ([]uint16, error) {
	if err := b.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	if req.IsWrite {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, v := range req.Args {
			addr := req.Addr + uint16(i)
			if _, ok := b.holding[addr]; !ok && b.strict {
				return nil, sv.ErrIllegalDataAddress
			}
			b.holding[addr] = v
		}
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return readWords(b.holding, req.Addr, req.Quantity, b.strict)
}

func (b *Bank) HandleInputRegisters(req *sv.InputRegistersRequest) ([]uint16, error) {
	if err := b.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return readWords(b.input, req.Addr, req.Quantity, b.strict)
}

func readBits(table map[uint16]bool, addr, qty uint16, strict bool) ([]bool, error) {
	out := make([]bool, qty)
	for i := range out {
		v, ok := table[addr+uint16(i)]
		if !ok && strict {
			return nil, sv.ErrIllegalDataAddress
		}
		out[i] = v
	}
	return out, nil
}

func readWords(table map[uint16]uint16, addr, qty uint16, strict bool) ([]uint16, error) {
	out := make([]uint16, qty)
	for i := range out {
		v, ok := table[addr+uint16(i)]
		if !ok && strict {
			return nil, sv.ErrIllegalDataAddress
		}
		out[i] = v
	}
	return out, nil
}
