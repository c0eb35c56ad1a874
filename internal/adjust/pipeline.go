package adjust

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/types"
)

// ErrNotInvertible is returned when a write goes through a pipeline that
// contains lookup steps.
var ErrNotInvertible = fmt.Errorf("%w: pipeline with lookup steps cannot be inverted", types.ErrConfiguration)

// Apply turns a decoded value into its display string. Text values are
// returned unchanged.
func Apply(v codec.Value, p Pipeline) string {
	if v.IsText {
		return v.Text
	}
	x, label, matched := Forward(v.Number, p)
	if matched {
		return label
	}
	return strconv.FormatFloat(x, 'f', 2, 64)
}

// Forward runs the pipeline on a number. When a lookup step matches the
// running value, its label is returned with matched set.
func Forward(x float64, p Pipeline) (result float64, label string, matched bool) {
	for _, s := range p {
		if s.IsLookup() {
			if x == float64(s.Match) {
				return x, s.Label, true
			}
			continue
		}
		x = apply(s.Op, x, s.Operand)
	}
	return x, "", false
}

// Invert recovers the raw number to encode from a display value.
func Invert(display string, p Pipeline) (float64, error) {
	x, err := strconv.ParseFloat(strings.TrimSpace(display), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", types.ErrBadInput, display)
	}
	if !p.Invertible() {
		return 0, ErrNotInvertible
	}
	for i := len(p) - 1; i >= 0; i-- {
		s := p[i]
		switch s.Op {
		case OpAdd:
			x = apply(OpSub, x, s.Operand)
		case OpSub:
			x = apply(OpAdd, x, s.Operand)
		case OpMul:
			x = apply(OpDiv, x, s.Operand)
		case OpDiv:
			x = apply(OpMul, x, s.Operand)
		case OpPow:
			x = apply(OpPow, x, 1/s.Operand)
		}
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, fmt.Errorf("%w: %q has no raw value under %v", types.ErrBadInput, display, p)
	}
	return x, nil
}

// EncodeDisplay is the write path for one register: the display value is
// inverted through the pipeline and packed for the wire. Hex and binary
// literals skip the pipeline.
func EncodeDisplay(f codec.Format, p Pipeline, display string) ([]uint16, error) {
	if f.IsText() {
		return codec.Encode(f, codec.Text(display))
	}
	raw, err := Invert(display, p)
	if err != nil {
		return nil, err
	}
	return codec.Encode(f, codec.Number(raw))
}

func apply(op Op, x, operand float64) float64 {
	switch op {
	case OpAdd:
		return x + operand
	case OpSub:
		return x - operand
	case OpMul:
		return x * operand
	case OpDiv:
		return x / operand
	case OpPow:
		return math.Pow(x, operand)
	}
	return x
}
