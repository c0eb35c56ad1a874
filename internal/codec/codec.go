package codec

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Value is a decoded register value. Hex and binary formats produce text,
// every other format produces a number.
type Value struct {
	Number float64
	Text   string
	IsText bool
}

func Number(v float64) Value { return Value{Number: v} }

func Text(s string) Value { return Value{Text: s, IsText: true} }

func (v Value) String() string {
	if v.IsText {
		return v.Text
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

var (
	hexLiteral    = regexp.MustCompile(`^0x[0-9a-fA-F]{1,4}$`)
	binaryLiteral = regexp.MustCompile(`^[01]{4} [01]{4} [01]{4} [01]{4}$`)
)

// Decode turns the leading Words() registers of words into a value.
func Decode(f Format, words []uint16) (Value, error) {
	if !f.Valid() {
		return Value{}, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(f))
	}
	l := layouts[f]
	if len(words) < l.words {
		return Value{}, fmt.Errorf("%w: %s needs %d words, got %d", ErrShortInput, l.label, l.words, len(words))
	}
	ws := reorder(words[:l.words], l)

	switch l.kind {
	case kindSigned:
		return Number(float64(int16(ws[0]))), nil
	case kindUnsigned:
		return Number(float64(ws[0])), nil
	case kindHex:
		return Text("0x" + strconv.FormatUint(uint64(ws[0]), 16)), nil
	case kindBinary:
		return Text(nibbles(ws[0])), nil
	case kindLong:
		return Number(float64(int32(join32(ws)))), nil
	case kindFloat:
		return Number(float64(math.Float32frombits(join32(ws)))), nil
	case kindDouble:
		return Number(math.Float64frombits(join64(ws))), nil
	}
	return Value{}, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(f))
}

// Encode packs v into the wire words for f. Integer formats round to the
// nearest integer before the range check.
func Encode(f Format, v Value) ([]uint16, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(f))
	}
	l := layouts[f]

	var ws []uint16
	switch l.kind {
	case kindHex:
		s := v.String()
		if !hexLiteral.MatchString(s) {
			return nil, fmt.Errorf("%w: %q is not a hex literal", ErrMalformedLiteral, s)
		}
		n, err := strconv.ParseUint(s[2:], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLiteral, err)
		}
		ws = []uint16{uint16(n)}
	case kindBinary:
		s := v.String()
		if !binaryLiteral.MatchString(s) {
			return nil, fmt.Errorf("%w: %q is not a binary literal", ErrMalformedLiteral, s)
		}
		n, err := strconv.ParseUint(strings.ReplaceAll(s, " ", ""), 2, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLiteral, err)
		}
		ws = []uint16{uint16(n)}
	default:
		n, err := number(v)
		if err != nil {
			return nil, err
		}
		ws, err = encodeNumber(l, n)
		if err != nil {
			return nil, err
		}
	}
	return reorder(ws, l), nil
}

func encodeNumber(l layout, n float64) ([]uint16, error) {
	if math.IsNaN(n) && l.kind != kindFloat && l.kind != kindDouble {
		return nil, fmt.Errorf("%w: NaN for %s", ErrOutOfRange, l.label)
	}
	switch l.kind {
	case kindSigned:
		r := math.Round(n)
		if r < math.MinInt16 || r > math.MaxInt16 {
			return nil, fmt.Errorf("%w: %v not in [-32768, 32767]", ErrOutOfRange, n)
		}
		return []uint16{uint16(int16(r))}, nil
	case kindUnsigned:
		r := math.Round(n)
		if r < 0 || r > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %v not in [0, 65535]", ErrOutOfRange, n)
		}
		return []uint16{uint16(r)}, nil
	case kindLong:
		r := math.Round(n)
		if r < math.MinInt32 || r > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %v does not fit a 32-bit integer", ErrOutOfRange, n)
		}
		return split32(uint32(int32(r))), nil
	case kindFloat:
		if !math.IsInf(n, 0) && !math.IsNaN(n) && math.Abs(n) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %v does not fit a 32-bit float", ErrOutOfRange, n)
		}
		return split32(math.Float32bits(float32(n))), nil
	case kindDouble:
		return split64(math.Float64bits(n)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, l.label)
}

func number(v Value) (float64, error) {
	if !v.IsText {
		return v.Number, nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrMalformedLiteral, v.Text)
	}
	return n, nil
}

// reorder converts between wire order and big-endian order. Both swaps are
// involutions, so the same call serves decode and encode.
func reorder(in []uint16, l layout) []uint16 {
	out := make([]uint16, len(in))
	copy(out, in)
	if l.swapBytes {
		for i, w := range out {
			out[i] = w<<8 | w>>8
		}
	}
	if l.swapWords {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func join32(ws []uint16) uint32 {
	return uint32(ws[0])<<16 | uint32(ws[1])
}

func join64(ws []uint16) uint64 {
	return uint64(ws[0])<<48 | uint64(ws[1])<<32 | uint64(ws[2])<<16 | uint64(ws[3])
}

func split32(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}

func split64(v uint64) []uint16 {
	return []uint16{uint16(v >> 48), uint16(v >> 32), uint16(v >> 16), uint16(v)}
}

func nibbles(w uint16) string {
	s := fmt.Sprintf("%016b", w)
	return s[0:4] + " " + s[4:8] + " " + s[8:12] + " " + s[12:16]
}
