// Package spec holds the on-disk shape of pipeline and workflow files.
package spec

import (
	"encoding/json"
	"fmt"
)

// Node is a transform of a pipeline or an action of a workflow. Config is
// kept as parsed YAML and handed to the plugin as JSON.
type Node struct {
	Name        string         `yaml:"name"`
	Plugin      string         `yaml:"plugin"`
	Description string         `yaml:"description"`
	Config      map[string]any `yaml:"config"`
}

// ConfigJSON encodes the node configuration for the plugin.
func (n Node) ConfigJSON() (json.RawMessage, error) {
	if len(n.Config) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(n.Config)
	if err != nil {
		return nil, fmt.Errorf("%s: config: %w", n.Name, err)
	}
	return raw, nil
}

type Hop struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Condition is only read in workflows.
	Condition string `yaml:"condition"`
}

func (h Hop) IsEnabled() bool { return h.Enabled == nil || *h.Enabled }

type Parameter struct {
	Name        string `yaml:"name"`
	Default     string `yaml:"default"`
	Description string `yaml:"description"`
}

type Pipeline struct {
	SchemaVersion string      `yaml:"schema_version"`
	Name          string      `yaml:"name"`
	Description   string      `yaml:"description"`
	Parameters    []Parameter `yaml:"parameters"`
	Transforms    []Node      `yaml:"transforms"`
	Hops          []Hop       `yaml:"hops"`
}

type Workflow struct {
	SchemaVersion string      `yaml:"schema_version"`
	Name          string      `yaml:"name"`
	Description   string      `yaml:"description"`
	Parameters    []Parameter `yaml:"parameters"`
	Start         string      `yaml:"start"`
	Actions       []Node      `yaml:"actions"`
	Hops          []Hop       `yaml:"hops"`
}

// Defaults returns parameter defaults by name.
func Defaults(params []Parameter) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = p.Default
	}
	return out
}
