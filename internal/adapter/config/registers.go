package config

import (
	"fmt"
	"math"
	"os"

	"github.com/nexus-edge/register-poller/internal/domain"
	"gopkg.in/yaml.v3"
)

// RegisterConfig represents one register in the register map file.
type RegisterConfig struct {
	Address  int     `yaml:"address"`
	Type     string  `yaml:"type,omitempty"`
	Name     string  `yaml:"name,omitempty"`
	Unit     string  `yaml:"unit,omitempty"`
	Scale    float64 `yaml:"scale,omitempty"`
	Writable bool    `yaml:"writable,omitempty"`
}

// RegistersFile represents the top-level register map file.
type RegistersFile struct {
	Version   string           `yaml:"version"`
	Registers []RegisterConfig `yaml:"registers"`
}

// LoadRegisters loads the register map from a YAML file.
func LoadRegisters(path string) ([]domain.RegisterDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read registers file: %w", domain.ErrConfig, err)
	}
	return ParseRegisters(data)
}

// ParseRegisters parses a register map document. An omitted type means
// int16; an unknown type name, a duplicate address or an address outside
// 0..65535 is an error.
func ParseRegisters(data []byte) ([]domain.RegisterDefinition, error) {
	var file RegistersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse registers file: %w", domain.ErrConfig, err)
	}

	seen := make(map[int]int)
	defs := make([]domain.RegisterDefinition, 0, len(file.Registers))

	for idx, rc := range file.Registers {
		if rc.Address < 0 || rc.Address > math.MaxUint16 {
			return nil, domain.ConfigError(fmt.Errorf("register at index %d: address %d out of range", idx, rc.Address))
		}
		if prev, exists := seen[rc.Address]; exists {
			return nil, domain.ConfigError(fmt.Errorf("duplicate register %d at index %d (first seen at index %d)", rc.Address, idx, prev))
		}
		seen[rc.Address] = idx

		dataType := domain.DataTypeInt16
		if rc.Type != "" {
			t, ok := domain.ParseDataType(rc.Type)
			if !ok {
				return nil, domain.ConfigError(fmt.Errorf("register %d: unknown type %q", rc.Address, rc.Type))
			}
			dataType = t
		}
		if rc.Writable && dataType.Width() != 1 {
			return nil, domain.ConfigError(fmt.Errorf("register %d: only single-register types can be writable", rc.Address))
		}
		if math.IsNaN(rc.Scale) || math.IsInf(rc.Scale, 0) {
			return nil, domain.ConfigError(fmt.Errorf("register %d: scale must be finite", rc.Address))
		}

		defs = append(defs, domain.RegisterDefinition{
			Address:  uint16(rc.Address),
			Type:     dataType,
			Name:     rc.Name,
			Unit:     rc.Unit,
			Scale:    rc.Scale,
			Writable: rc.Writable,
		})
	}

	return defs, nil
}

// DefaultRegisters is the register map used when no file is present: the
// temperature and set point of the boiler, buffer and heat pump circuits of
// a Lambda heat pump.
func DefaultRegisters() []domain.RegisterDefinition {
	return []domain.RegisterDefinition{
		{Address: 2002, Type: domain.DataTypeInt16, Name: "Boiler 1 temperature", Unit: "°C", Scale: 0.1},
		{Address: 2050, Type: domain.DataTypeInt16, Name: "Boiler 1 set point", Unit: "°C", Scale: 0.1, Writable: true},
		{Address: 3002, Type: domain.DataTypeInt16, Name: "Buffer 1 temperature", Unit: "°C", Scale: 0.1},
		{Address: 3050, Type: domain.DataTypeInt16, Name: "Buffer 1 set point", Unit: "°C", Scale: 0.1, Writable: true},
		{Address: 5004, Type: domain.DataTypeInt16, Name: "Heat pump 1 flow line temperature", Unit: "°C", Scale: 0.1},
		{Address: 5051, Type: domain.DataTypeInt16, Name: "Heat pump 1 flow line set point", Unit: "°C", Scale: 0.1, Writable: true},
	}
}
