// Package engine defines the contract every pipeline engine implements and
// the lifecycle shared by all of them.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/graph"
	"hopflow/internal/logging"
	"hopflow/internal/registry"
	"hopflow/internal/runconfig"
	"hopflow/internal/telemetry"
	"hopflow/internal/variables"
)

// Engine runs one transform graph once. Implementations move through
// created -> preparing -> running -> finished|stopped|failed and publish
// every transition on the extension bus.
type Engine interface {
	PluginID() string
	// Prepare validates and plans the graph. The engine keeps its own copy;
	// the caller's graph is never modified.
	Prepare(ctx context.Context, g *graph.Graph, vars variables.Variables, rc *runconfig.RunConfiguration) error
	Start(ctx context.Context) error
	// Stop asks the engine to stop cooperatively and waits for it. Stopping a
	// terminal engine does nothing.
	Stop(ctx context.Context) error
	// Abort fails the execution with cause and releases remote resources
	// without waiting.
	Abort(cause error)
	// Wait blocks until the engine is terminal or ctx ends. The error is the
	// failure cause, if any.
	Wait(ctx context.Context) (execution.Snapshot, error)
	State() execution.Snapshot
}

// ConfigurationFactory is implemented by engine plugins, pipeline and
// workflow alike.
type ConfigurationFactory interface {
	CreateDefaultEngineRunConfiguration() runconfig.EngineRunConfiguration
}

// Plugin is what the pipeline-engine registry category requires.
type Plugin interface {
	Engine
	ConfigurationFactory
}

// Deps are the collaborators handed to engine factories.
type Deps struct {
	Registry *registry.Registry
	Bus      *extension.Bus
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func (d Deps) Log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.L()
}

// New instantiates the pipeline engine registered under id. A missing or
// broken engine is a PluginLoadError; there is no fallback engine.
func New(reg *registry.Registry, id string) (Plugin, error) {
	p, _, err := registry.InstantiateAs[Plugin](reg, id)
	return p, err
}

// Defaults builds engine option bags from the registry.
type Defaults struct {
	Registry *registry.Registry
}

func (d Defaults) DefaultEngineRunConfiguration(id string) (runconfig.EngineRunConfiguration, error) {
	desc, ok := d.Registry.Find(id)
	if !ok {
		return nil, fmt.Errorf("engine %q is not registered", id)
	}
	if desc.Category != registry.CategoryPipelineEngine && desc.Category != registry.CategoryWorkflowEngine {
		return nil, fmt.Errorf("plugin %q is a %s, not an engine", id, desc.Category)
	}
	f, _, err := registry.InstantiateAs[ConfigurationFactory](d.Registry, id)
	if err != nil {
		return nil, err
	}
	return f.CreateDefaultEngineRunConfiguration(), nil
}
