package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/devices-v1.json
var devicesSchemaJSON string

type Validator struct {
	file   *jsonschema.Schema
	device *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("devices-v1.json",
		strings.NewReader(devicesSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	file, err := compiler.Compile("devices-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	device, err := compiler.Compile("devices-v1.json#/definitions/device")
	if err != nil {
		return nil, fmt.Errorf("failed to compile device schema: %w", err)
	}

	return &Validator{file: file, device: device}, nil
}

// ValidateFile checks a whole definitions document.
func (v *Validator) ValidateFile(data []byte) error {
	return validate(v.file, data)
}

// ValidateDevice checks a single device document.
func (v *Validator) ValidateDevice(data []byte) error {
	return validate(v.device, data)
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", types.ErrConfiguration, err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema validation failed: %w", types.ErrConfiguration, err)
	}

	return nil
}
