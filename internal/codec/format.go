package codec

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/ModbusPoller/internal/types"
)

// Format is one of the sixteen register encodings a point can use.
type Format uint8

const (
	Signed Format = iota + 1
	Unsigned
	HexASCII
	Binary
	LongABCD
	LongCDAB
	LongBADC
	LongDCBA
	FloatABCD
	FloatCDAB
	FloatBADC
	FloatDCBA
	DoubleABCDEFGH
	DoubleGHEFCDAB
	DoubleBADCFEHG
	DoubleHGFEDCBA
)

type kind uint8

const (
	kindSigned kind = iota
	kindUnsigned
	kindHex
	kindBinary
	kindLong
	kindFloat
	kindDouble
)

// layout is the data carried by each format: how many words it spans and
// how its words and bytes are ordered on the wire.
type layout struct {
	label     string
	kind      kind
	words     int
	swapBytes bool
	swapWords bool
}

var layouts = [...]layout{
	Signed:         {"Signed", kindSigned, 1, false, false},
	Unsigned:       {"Unsigned", kindUnsigned, 1, false, false},
	HexASCII:       {"Hex - ASCII", kindHex, 1, false, false},
	Binary:         {"Binary", kindBinary, 1, false, false},
	LongABCD:       {"Long AB CD", kindLong, 2, false, false},
	LongCDAB:       {"Long CD AB", kindLong, 2, false, true},
	LongBADC:       {"Long BA DC", kindLong, 2, true, false},
	LongDCBA:       {"Long DC BA", kindLong, 2, true, true},
	FloatABCD:      {"Float AB CD", kindFloat, 2, false, false},
	FloatCDAB:      {"Float CD AB", kindFloat, 2, false, true},
	FloatBADC:      {"Float BA DC", kindFloat, 2, true, false},
	FloatDCBA:      {"Float DC BA", kindFloat, 2, true, true},
	DoubleABCDEFGH: {"Double AB CD EF GH", kindDouble, 4, false, false},
	DoubleGHEFCDAB: {"Double GH EF CD AB", kindDouble, 4, false, true},
	DoubleBADCFEHG: {"Double BA DC FE HG", kindDouble, 4, true, false},
	DoubleHGFEDCBA: {"Double HG FE DC BA", kindDouble, 4, true, true},
}

var byKey = func() map[string]Format {
	m := make(map[string]Format, len(layouts)+2)
	for _, f := range Formats() {
		m[normalize(layouts[f].label)] = f
	}
	m["hex"] = HexASCII
	m["hexascii"] = HexASCII
	return m
}()

// Formats lists every format in declaration order.
func Formats() []Format {
	out := make([]Format, 0, len(layouts)-1)
	for f := Signed; f <= DoubleHGFEDCBA; f++ {
		out = append(out, f)
	}
	return out
}

// ParseFormat accepts the display labels ("Long CD AB", "Hex - ASCII") as
// well as compact spellings such as "long_cd_ab" or "FloatDCBA".
func ParseFormat(label string) (Format, error) {
	if f, ok := byKey[normalize(label)]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, label)
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '-', '_', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (f Format) Valid() bool {
	return f >= Signed && f <= DoubleHGFEDCBA
}

func (f Format) String() string {
	if !f.Valid() {
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
	return layouts[f].label
}

// Words is the number of 16-bit registers the format occupies.
func (f Format) Words() int {
	if !f.Valid() {
		return 0
	}
	return layouts[f].words
}

// IsText reports whether decoded values are literals rather than numbers.
func (f Format) IsText() bool {
	if !f.Valid() {
		return false
	}
	k := layouts[f].kind
	return k == kindHex || k == kindBinary
}

func (f Format) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(f))
	}
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

var (
	ErrUnknownFormat    = fmt.Errorf("%w: unknown format", types.ErrConfiguration)
	ErrShortInput       = fmt.Errorf("%w: short register slice", types.ErrDataUnavailable)
	ErrOutOfRange       = fmt.Errorf("%w: value out of range", types.ErrBadInput)
	ErrMalformedLiteral = fmt.Errorf("%w: malformed literal", types.ErrBadInput)
)
