package runconfig

import (
	"fmt"
	"maps"
	"slices"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
)

// PropertySpec declares one engine option and its default.
type PropertySpec struct {
	Key         string
	Default     string
	Description string
}

// EngineRunConfiguration is the engine-specific option bag of a run
// configuration. Values are strings at rest; engines decode them into typed
// structs with Decode.
type EngineRunConfiguration interface {
	EnginePluginID() string
	EnginePluginName() string
	Property(key string) (string, bool)
	// SetProperty rejects keys the engine did not declare.
	SetProperty(key, value string) error
	Properties() map[string]string
	Specs() []PropertySpec
	Clone() EngineRunConfiguration
	Decode(target any) error
}

type OptionBag struct {
	pluginID   string
	pluginName string
	specs      []PropertySpec
	values     map[string]string
}

// NewOptionBag returns a bag holding the declared defaults.
func NewOptionBag(pluginID, pluginName string, specs ...PropertySpec) *OptionBag {
	b := &OptionBag{
		pluginID:   pluginID,
		pluginName: pluginName,
		specs:      slices.Clone(specs),
		values:     make(map[string]string, len(specs)),
	}
	for _, s := range specs {
		b.values[s.Key] = s.Default
	}
	return b
}

func (b *OptionBag) EnginePluginID() string   { return b.pluginID }
func (b *OptionBag) EnginePluginName() string { return b.pluginName }

func (b *OptionBag) Property(key string) (string, bool) {
	v, ok := b.values[key]
	return v, ok
}

func (b *OptionBag) SetProperty(key, value string) error {
	if !slices.ContainsFunc(b.specs, func(s PropertySpec) bool { return s.Key == key }) {
		return fmt.Errorf("runconfig: engine %s has no option %q", b.pluginID, key)
	}
	b.values[key] = value
	return nil
}

func (b *OptionBag) Properties() map[string]string { return maps.Clone(b.values) }

func (b *OptionBag) Specs() []PropertySpec { return slices.Clone(b.specs) }

func (b *OptionBag) Clone() EngineRunConfiguration {
	return &OptionBag{
		pluginID:   b.pluginID,
		pluginName: b.pluginName,
		specs:      slices.Clone(b.specs),
		values:     maps.Clone(b.values),
	}
}

// Decode maps the options onto target's koanf-tagged fields. Strings are
// converted weakly, durations parse from "5s" style values.
func (b *OptionBag) Decode(target any) error {
	mp := make(map[string]any, len(b.values))
	for k, v := range b.values {
		if v == "" {
			continue
		}
		mp[k] = v
	}
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(mp, "."), nil); err != nil {
		return err
	}
	if err := k.Unmarshal("", target); err != nil {
		return fmt.Errorf("runconfig: engine %s options: %w", b.pluginID, err)
	}
	return nil
}
