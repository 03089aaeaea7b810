// Package translator turns a planned transform graph into a dataflow
// pipeline and provides the worker-side function that runs a transform
// inside it.
package translator

import (
	"encoding/json"

	"hopflow/internal/dataflow"
	errs "hopflow/internal/errors"
	"hopflow/internal/plan"
	"hopflow/internal/transform"
)

// URN identifies TransformFn payloads.
const URN = "hopflow:transform:v1"

// Payload is everything a worker needs to rebuild one transform. Schemas
// travel as transport documents; the worker parses its own copy.
type Payload struct {
	Name       string            `json:"name"`
	Plugin     string            `json:"plugin"`
	Config     json.RawMessage   `json:"config,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Input      json.RawMessage   `json:"input"`
	Output     json.RawMessage   `json:"output"`
	Extensions []string          `json:"extensions,omitempty"`
}

type Options struct {
	// Parallelism is the worker count of every non-source stage.
	Parallelism int
	// Extensions are extension plugin ids each worker must be able to load
	// before its first element.
	Extensions []string
}

// Translate maps every node to one stage and every enabled hop to a stage
// input. Window nodes open a window that downstream nodes inherit.
func Translate(p *plan.Plan, opts Options) (*dataflow.Pipeline, error) {
	order, err := p.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	out := &dataflow.Pipeline{Name: p.Graph.Name}
	active := make(map[string]string, len(order))

	for _, name := range order {
		step := p.Step(name)
		if step == nil {
			return nil, errs.GraphValidation(name, "node was not planned")
		}
		window, err := inheritedWindow(step, active)
		if err != nil {
			return nil, err
		}
		stage := dataflow.Stage{
			ID:          name,
			Inputs:      step.Inputs,
			Window:      window,
			Parallelism: max(opts.Parallelism, 1),
		}
		active[name] = window

		switch {
		case step.Descriptor.HasTag(transform.TagWindow):
			stage.Kind = dataflow.KindWindow
			stage.Parallelism = 1
			stage.Payload, err = windowPayload(p, step)
			active[name] = name
		case step.IsSource():
			stage.Kind, stage.URN = dataflow.KindSource, URN
			stage.Parallelism = 1
			stage.Payload, err = transformPayload(p, step, opts)
		case step.Descriptor.HasTag(transform.TagAggregate):
			stage.Kind, stage.URN = dataflow.KindCombine, URN
			stage.Payload, err = transformPayload(p, step, opts)
		default:
			stage.Kind, stage.URN = dataflow.KindParDo, URN
			stage.Payload, err = transformPayload(p, step, opts)
		}
		if err != nil {
			return nil, err
		}
		out.Stages = append(out.Stages, stage)
	}
	if err := out.Validate(); err != nil {
		return nil, errs.GraphValidationWrap(p.Graph.Name, err, "translated pipeline is not runnable")
	}
	return out, nil
}

// inheritedWindow is the window shared by all inputs of step. Inputs that
// arrive in different windows cannot be joined.
func inheritedWindow(step *plan.Step, active map[string]string) (string, error) {
	var window string
	for i, in := range step.Inputs {
		w := active[in]
		if i == 0 {
			window = w
			continue
		}
		if w != window {
			return "", errs.GraphValidation(step.Node.Name, "inputs arrive in different windows (%s and %s)", describe(window), describe(w))
		}
	}
	return window, nil
}

func describe(window string) string {
	if window == "" {
		return "global"
	}
	return "window " + window
}

func windowPayload(p *plan.Plan, step *plan.Step) (json.RawMessage, error) {
	var spec dataflow.WindowSpec
	if len(step.Node.Config) > 0 {
		raw := p.Variables.Resolve(string(step.Node.Config))
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, errs.GraphValidationWrap(step.Node.Name, err, "invalid window configuration")
		}
	}
	if spec.Type == "" {
		spec.Type = dataflow.WindowGlobal
	}
	if err := spec.Validate(); err != nil {
		return nil, errs.GraphValidationWrap(step.Node.Name, err, "invalid window")
	}
	idx := -1
	if spec.TimestampField != "" {
		if idx = step.Input.Index(spec.TimestampField); idx < 0 {
			return nil, errs.GraphValidation(step.Node.Name, "timestamp field %q is not in the input", spec.TimestampField)
		}
	}
	return json.Marshal(dataflow.WindowPayload{Spec: spec, TimestampIndex: idx})
}

func transformPayload(p *plan.Plan, step *plan.Step, opts Options) (json.RawMessage, error) {
	in, err := step.Input.ToTransportDocument()
	if err != nil {
		return nil, err
	}
	out, err := step.Output.ToTransportDocument()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Payload{
		Name:       step.Node.Name,
		Plugin:     step.Node.PluginID,
		Config:     step.Node.Config,
		Variables:  p.Variables,
		Input:      in,
		Output:     out,
		Extensions: opts.Extensions,
	})
}
