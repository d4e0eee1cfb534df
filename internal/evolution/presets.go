package evolution

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/evolvant/cohort/internal/store"
)

//go:embed presets.yaml
var presetsYAML []byte

// Preset is a named personality template.
type Preset struct {
	Description string             `yaml:"description"`
	Traits      map[string]float64 `yaml:"traits"`
}

// Vector returns the preset's trait values as a Traits struct, clamped.
func (p Preset) Vector() store.Traits {
	var t store.Traits
	for name, v := range p.Traits {
		t.Set(name, v)
	}
	return t
}

var presets map[string]Preset

func init() {
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		panic(fmt.Sprintf("bad embedded presets: %v", err))
	}
}

// PresetNames returns the available template names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPreset returns a template by name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}
