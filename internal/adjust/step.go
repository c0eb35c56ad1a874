package adjust

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/KevinKickass/ModbusPoller/internal/types"
	"gopkg.in/yaml.v3"
)

type Op byte

const (
	OpAdd Op = '+'
	OpSub Op = '-'
	OpMul Op = '*'
	OpDiv Op = '/'
	OpPow Op = '^'
)

func (o Op) valid() bool {
	switch o {
	case OpAdd, OpSub, OpMul, OpDiv, OpPow:
		return true
	}
	return false
}

// Step is either an arithmetic step (Op set) or a lookup step (Op zero)
// that maps an exact integer value to a label.
type Step struct {
	Op      Op
	Operand float64
	Match   int64
	Label   string
}

func Arith(op Op, operand float64) Step {
	return Step{Op: op, Operand: operand}
}

func Lookup(match int64, label string) Step {
	return Step{Match: match, Label: label}
}

func (s Step) IsLookup() bool {
	return s.Op == 0
}

func (s Step) String() string {
	if s.IsLookup() {
		return fmt.Sprintf("%d=>%s", s.Match, s.Label)
	}
	return fmt.Sprintf("%c%s", s.Op, strconv.FormatFloat(s.Operand, 'f', -1, 64))
}

// ParseStep builds a step from one key/value pair as it appears in device
// files: {"*": "0.1"} or {"1": "Open"}.
func ParseStep(key, value string) (Step, error) {
	key = strings.TrimSpace(key)
	if isInteger(key) {
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return Step{}, fmt.Errorf("%w: lookup key %q: %v", types.ErrConfiguration, key, err)
		}
		return Lookup(n, value), nil
	}

	if len(key) != 1 || !Op(key[0]).valid() {
		return Step{}, fmt.Errorf("%w: unknown adjustment operator %q", types.ErrConfiguration, key)
	}
	op := Op(key[0])

	operand, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return Step{}, fmt.Errorf("%w: operand %q for %q is not numeric", types.ErrConfiguration, value, key)
	}
	if operand == 0 && (op == OpDiv || op == OpPow) {
		return Step{}, fmt.Errorf("%w: %q with operand 0 cannot be applied or inverted", types.ErrConfiguration, key)
	}
	return Arith(op, operand), nil
}

func isInteger(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Pipeline is an ordered list of steps.
type Pipeline []Step

// Parse converts the list-of-single-key-maps shape into a pipeline.
func Parse(raw []map[string]any) (Pipeline, error) {
	p := make(Pipeline, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 1 {
			return nil, fmt.Errorf("%w: adjustment %d must have exactly one key, has %d",
				types.ErrConfiguration, i, len(entry))
		}
		for k, v := range entry {
			step, err := ParseStep(k, fmt.Sprint(v))
			if err != nil {
				return nil, fmt.Errorf("adjustment %d: %w", i, err)
			}
			p = append(p, step)
		}
	}
	return p, nil
}

// Invertible reports whether the pipeline contains only arithmetic steps.
func (p Pipeline) Invertible() bool {
	for _, s := range p {
		if s.IsLookup() {
			return false
		}
	}
	return true
}

// Raw is the inverse of Parse.
func (p Pipeline) Raw() []map[string]string {
	out := make([]map[string]string, 0, len(p))
	for _, s := range p {
		if s.IsLookup() {
			out = append(out, map[string]string{strconv.FormatInt(s.Match, 10): s.Label})
			continue
		}
		out = append(out, map[string]string{
			string(rune(s.Op)): strconv.FormatFloat(s.Operand, 'f', -1, 64),
		})
	}
	return out
}

func (p Pipeline) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Raw())
}

func (p *Pipeline) UnmarshalJSON(data []byte) error {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: adjustments: %v", types.ErrConfiguration, err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p *Pipeline) UnmarshalYAML(node *yaml.Node) error {
	var raw []map[string]any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("%w: adjustments: %v", types.ErrConfiguration, err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Labels returns the lookup table of the pipeline, ordered by match value.
func (p Pipeline) Labels() []Step {
	var out []Step
	for _, s := range p {
		if s.IsLookup() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Match < out[j].Match })
	return out
}
