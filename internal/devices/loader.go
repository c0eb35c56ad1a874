package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/types"
	"gopkg.in/yaml.v3"
)

// Loader reads device definition documents (YAML or JSON), validates them
// against the embedded schema and decodes them.
type Loader struct {
	validator      *Validator
	defaultTimeout time.Duration
}

func NewLoader(defaultTimeout time.Duration) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = types.DefaultTimeout
	}

	return &Loader{
		validator:      validator,
		defaultTimeout: defaultTimeout,
	}, nil
}

// Load reads a definitions file from disk.
func (l *Loader) Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device file %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	file, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Parse decodes a JSON definitions document.
func (l *Loader) Parse(data []byte) (*File, error) {
	if err := l.validator.ValidateFile(data); err != nil {
		return nil, err
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definitions: %w", err)
	}

	if err := file.Validate(l.defaultTimeout); err != nil {
		return nil, err
	}
	return &file, nil
}

// ParseDevice decodes a single JSON device document.
func (l *Loader) ParseDevice(data []byte) (*Definition, error) {
	if err := l.validator.ValidateDevice(data); err != nil {
		return nil, err
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	if _, err := def.Plan(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Assemble builds a File from separately stored parts and validates it as
// a whole.
func (l *Loader) Assemble(network Network, defs []Definition) (*File, error) {
	file := &File{Network: network, Devices: defs}
	if err := file.Validate(l.defaultTimeout); err != nil {
		return nil, err
	}
	return file, nil
}

func (l *Loader) DefaultTimeout() time.Duration {
	return l.defaultTimeout
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	return json.Marshal(jsonCompatible(doc))
}

// jsonCompatible rewrites YAML maps with non-string keys (lookup steps are
// keyed by integers) into string-keyed maps.
func jsonCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonCompatible(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonCompatible(val)
		}
		return out
	default:
		return v
	}
}
