// Package runconfig models named run configurations: which engine runs a
// pipeline or workflow, with which options and variable overrides.
package runconfig

import (
	"errors"
	"fmt"

	"hopflow/internal/variables"
)

type Kind string

const (
	KindPipeline Kind = "pipeline"
	KindWorkflow Kind = "workflow"
)

type Variable struct {
	Name        string `koanf:"name" yaml:"name"`
	Value       string `koanf:"value" yaml:"value"`
	Description string `koanf:"description" yaml:"description,omitempty"`
}

// DefaultsProvider builds the default option bag of an engine plugin.
type DefaultsProvider interface {
	DefaultEngineRunConfiguration(pluginID string) (EngineRunConfiguration, error)
}

type RunConfiguration struct {
	Name        string
	Description string
	Default     bool
	Kind        Kind
	Engine      EngineRunConfiguration
	Variables   []Variable
	// ExecutionInfoLocation names where snapshots are recorded.
	ExecutionInfoLocation string
	ExecutionDataProfile  string

	// archive holds the bags of engines selected earlier, by plugin id.
	archive map[string]EngineRunConfiguration
}

func New(name string, kind Kind, engine EngineRunConfiguration) *RunConfiguration {
	return &RunConfiguration{Name: name, Kind: kind, Engine: engine}
}

// SelectEngine makes pluginID the active engine. The current bag is archived
// under its own plugin id and restored when that engine is selected again.
// Selecting the active engine keeps the current bag as is.
func (rc *RunConfiguration) SelectEngine(pluginID string, defaults DefaultsProvider) error {
	if pluginID == "" {
		return errors.New("runconfig: empty engine id")
	}
	if rc.Engine != nil && rc.Engine.EnginePluginID() == pluginID {
		return nil
	}
	next, ok := rc.archive[pluginID]
	if !ok {
		var err error
		next, err = defaults.DefaultEngineRunConfiguration(pluginID)
		if err != nil {
			return fmt.Errorf("runconfig %s: select engine: %w", rc.Name, err)
		}
	}
	if rc.Engine != nil {
		if rc.archive == nil {
			rc.archive = make(map[string]EngineRunConfiguration)
		}
		rc.archive[rc.Engine.EnginePluginID()] = rc.Engine.Clone()
	}
	delete(rc.archive, pluginID)
	rc.Engine = next
	return nil
}

// Archived returns the stored bag of an engine that is not active.
func (rc *RunConfiguration) Archived(pluginID string) (EngineRunConfiguration, bool) {
	b, ok := rc.archive[pluginID]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// VariableMap returns the variable overrides as a map.
func (rc *RunConfiguration) VariableMap() variables.Variables {
	out := make(variables.Variables, len(rc.Variables))
	for _, v := range rc.Variables {
		out[v.Name] = v.Value
	}
	return out
}

func (rc *RunConfiguration) SetVariable(name, value, description string) {
	for i := range rc.Variables {
		if rc.Variables[i].Name == name {
			rc.Variables[i].Value, rc.Variables[i].Description = value, description
			return
		}
	}
	rc.Variables = append(rc.Variables, Variable{Name: name, Value: value, Description: description})
}

// Clone deep-copies the configuration including its archive. An engine
// works on a clone so later edits cannot reach a running execution.
func (rc *RunConfiguration) Clone() *RunConfiguration {
	out := *rc
	if rc.Engine != nil {
		out.Engine = rc.Engine.Clone()
	}
	out.Variables = append([]Variable(nil), rc.Variables...)
	out.archive = nil
	for id, b := range rc.archive {
		if out.archive == nil {
			out.archive = make(map[string]EngineRunConfiguration, len(rc.archive))
		}
		out.archive[id] = b.Clone()
	}
	return &out
}

func (rc *RunConfiguration) Validate() error {
	if rc.Name == "" {
		return errors.New("runconfig: name is empty")
	}
	if rc.Kind != KindPipeline && rc.Kind != KindWorkflow {
		return fmt.Errorf("runconfig %s: unknown kind %q", rc.Name, rc.Kind)
	}
	if rc.Engine == nil {
		return fmt.Errorf("runconfig %s: no engine selected", rc.Name)
	}
	return nil
}
