package planner

import (
	"fmt"
	"sort"

	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/KevinKickass/ModbusPoller/internal/types"
)

// Entry places one register inside a batch response.
type Entry struct {
	Offset   int
	Words    int
	Register *register.Spec
}

// Batch is one contiguous read request.
type Batch struct {
	Function     register.FunctionCode
	StartAddress uint16
	WordCount    int
	Entries      []Entry
}

// End is the first address after the batch.
func (b *Batch) End() int {
	return int(b.StartAddress) + b.WordCount
}

// Slice returns the part of a response that belongs to e. A short response
// yields a short slice.
func (b *Batch) Slice(resp []uint16, e Entry) []uint16 {
	if e.Offset >= len(resp) {
		return nil
	}
	end := e.Offset + e.Words
	if end > len(resp) {
		end = len(resp)
	}
	return resp[e.Offset:end]
}

// Build groups the active registers of one function code into batches.
// Registers merge only when strictly contiguous; a batch is also closed at
// the protocol's per-request limit.
func Build(fc register.FunctionCode, regs []register.Spec) ([]Batch, error) {
	if !fc.Valid() {
		return nil, fmt.Errorf("%w: invalid function code %d", types.ErrConfiguration, fc)
	}

	selected := make([]*register.Spec, 0, len(regs))
	for i := range regs {
		if regs[i].FunctionCode != fc || !regs[i].Active {
			continue
		}
		r := regs[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		selected = append(selected, &r)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Address < selected[j].Address
	})

	var (
		batches []Batch
		cur     *Batch
		prevEnd = -1
		prev    *register.Spec
	)
	for _, r := range selected {
		words := r.Words()
		if int(r.Address) < prevEnd {
			return nil, fmt.Errorf("%w: %s register %s at %d overlaps %s at %d",
				types.ErrConfiguration, fc, r.Code, r.Address, prev.Code, prev.Address)
		}

		if cur != nil && int(r.Address) == cur.End() && cur.WordCount+words <= fc.MaxQuantity() {
			cur.Entries = append(cur.Entries, Entry{Offset: cur.WordCount, Words: words, Register: r})
			cur.WordCount += words
		} else {
			batches = append(batches, Batch{
				Function:     fc,
				StartAddress: r.Address,
				WordCount:    words,
				Entries:      []Entry{{Offset: 0, Words: words, Register: r}},
			})
			cur = &batches[len(batches)-1]
		}
		prevEnd = int(r.Address) + words
		prev = r
	}
	return batches, nil
}

// Plan is the immutable set of batches for one device. A configuration
// change builds a new plan instead of editing this one.
type Plan struct {
	batches   map[register.FunctionCode][]Batch
	registers int
}

// BuildPlan runs Build for every function code.
func BuildPlan(regs []register.Spec) (*Plan, error) {
	p := &Plan{batches: make(map[register.FunctionCode][]Batch)}
	for _, fc := range register.FunctionCodes {
		batches, err := Build(fc, regs)
		if err != nil {
			return nil, err
		}
		if len(batches) == 0 {
			continue
		}
		p.batches[fc] = batches
		for _, b := range batches {
			p.registers += len(b.Entries)
		}
	}
	for _, r := range regs {
		if r.Active && !r.FunctionCode.Valid() {
			return nil, fmt.Errorf("%w: register %s: invalid function code %d",
				types.ErrConfiguration, r.Code, r.FunctionCode)
		}
	}
	return p, nil
}

func (p *Plan) Batches(fc register.FunctionCode) []Batch {
	if p == nil {
		return nil
	}
	return p.batches[fc]
}

// All returns every batch in poll order.
func (p *Plan) All() []Batch {
	if p == nil {
		return nil
	}
	var out []Batch
	for _, fc := range register.FunctionCodes {
		out = append(out, p.batches[fc]...)
	}
	return out
}

// Registers is the number of points the plan reads per cycle.
func (p *Plan) Registers() int {
	if p == nil {
		return 0
	}
	return p.registers
}
