package formatter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// FieldMapping maps one submitted field onto a CRM field.
type FieldMapping struct {
	Source    string    `yaml:"source"`
	Target    string    `yaml:"target"`
	Type      FieldType `yaml:"type"`
	MaxLength int       `yaml:"max_length"`
}

// FormConfig is the outbound mapping of one website form.
type FormConfig struct {
	Name          string         `yaml:"name"`
	Module        string         `yaml:"module"`
	LeadSource    string         `yaml:"lead_source"`
	StrictMapping bool           `yaml:"strict_mapping"`
	Fields        []FieldMapping `yaml:"fields"`
}

func (fc *FormConfig) mapping(source string) (FieldMapping, bool) {
	for _, m := range fc.Fields {
		if m.Source == source {
			return m, true
		}
	}
	return FieldMapping{}, false
}

// Mappings is the parsed mapping file.
type Mappings struct {
	Forms []FormConfig `yaml:"forms"`

	byName map[string]*FormConfig
}

// LoadMappings reads a YAML mapping file. ${VAR} references are expanded
// from the environment before parsing.
func LoadMappings(path string) (*Mappings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return ParseMappings([]byte(os.ExpandEnv(string(data))))
}

// ParseMappings parses mapping YAML.
func ParseMappings(data []byte) (*Mappings, error) {
	var m Mappings
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file: %w", err)
	}
	m.byName = make(map[string]*FormConfig, len(m.Forms))
	for i := range m.Forms {
		fc := &m.Forms[i]
		if fc.Name == "" {
			return nil, fmt.Errorf("form %d has no name", i)
		}
		if _, dup := m.byName[fc.Name]; dup {
			return nil, fmt.Errorf("form %q is defined twice", fc.Name)
		}
		for j := range fc.Fields {
			f := &fc.Fields[j]
			if f.Source == "" {
				return nil, fmt.Errorf("form %q field %d has no source", fc.Name, j)
			}
			if f.Target == "" {
				f.Target = f.Source
			}
			if f.Type != "" && !f.Type.valid() {
				return nil, fmt.Errorf("form %q field %q has unknown type %q", fc.Name, f.Source, f.Type)
			}
			if f.MaxLength < 0 {
				return nil, fmt.Errorf("form %q field %q has negative max_length", fc.Name, f.Source)
			}
		}
		m.byName[fc.Name] = fc
	}
	return &m, nil
}

// Form returns the configuration of the named form.
func (m *Mappings) Form(name string) (*FormConfig, bool) {
	if m == nil {
		return nil, false
	}
	fc, ok := m.byName[name]
	return fc, ok
}
