// Package plan resolves a transform graph against the plugin registry and
// propagates row schemas from sources to sinks.
package plan

import (
	"errors"
	"log/slog"

	errs "hopflow/internal/errors"
	"hopflow/internal/graph"
	"hopflow/internal/logging"
	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
	"hopflow/internal/variables"
)

type Step struct {
	Node       graph.Node
	Descriptor registry.Descriptor
	// Transform is the instance configured while planning. Engines that run
	// in-process may use it; the rest build their own.
	Transform transform.Transform
	Input     row.Schema
	Output    row.Schema
	Inputs    []string
	Outputs   []string
}

func (s *Step) IsSource() bool {
	_, ok := s.Transform.(transform.Source)
	return ok
}

func (s *Step) IsTerminal() bool { return len(s.Outputs) == 0 }

type Plan struct {
	Graph *graph.Graph
	// Order is topological unless the graph loops.
	Order     []string
	Steps     map[string]*Step
	Variables variables.Variables
}

func (p *Plan) Step(name string) *Step { return p.Steps[name] }

// Close releases every planned transform instance.
func (p *Plan) Close() error {
	var all []error
	for _, name := range p.Order {
		if s := p.Steps[name]; s != nil && s.Transform != nil {
			all = append(all, s.Transform.Close())
		}
	}
	return errors.Join(all...)
}

type Options struct {
	AllowLoops bool
	Variables  variables.Variables
	Logger     *slog.Logger
}

// Build validates g, instantiates every transform and configures it with the
// schema arriving on its input hops. Instances built before a failure are
// closed again.
func Build(g *graph.Graph, reg *registry.Registry, opts Options) (p *Plan, err error) {
	if err := g.Validate(graph.ValidateOptions{AllowLoops: opts.AllowLoops}); err != nil {
		return nil, err
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		if !opts.AllowLoops {
			return nil, err
		}
		order = make([]string, len(g.Nodes))
		for i, n := range g.Nodes {
			order[i] = n.Name
		}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Channel(g.Name)
	}

	p = &Plan{Graph: g, Order: order, Steps: make(map[string]*Step, len(order)), Variables: opts.Variables.Clone()}
	defer func() {
		if err != nil {
			_ = p.Close()
			p = nil
		}
	}()

	for _, name := range order {
		node, _ := g.Node(name)
		t, desc, err := registry.InstantiateAs[transform.Transform](reg, node.PluginID)
		if err != nil {
			return p, err
		}
		step := &Step{
			Node:       node,
			Descriptor: desc,
			Transform:  t,
			Inputs:     g.Inputs(name),
			Outputs:    g.Outputs(name),
		}
		p.Steps[name] = step

		switch {
		case step.IsSource() && len(step.Inputs) > 0:
			return p, errs.GraphValidation(name, "source transform cannot have input hops")
		case !step.IsSource() && len(step.Inputs) == 0:
			return p, errs.GraphValidation(name, "no input hop")
		}

		in, err := p.inputSchema(step)
		if err != nil {
			return p, err
		}
		step.Input = in
		out, err := t.Configure(transform.Context{
			Name:      name,
			PluginID:  node.PluginID,
			Input:     in,
			Config:    node.Config,
			Variables: p.Variables,
			Logger:    log.With("transform", name),
		})
		if err != nil {
			return p, errs.GraphValidationWrap(name, err, "configure")
		}
		if _, err := out.ToTransportDocument(); err != nil {
			return p, errs.GraphValidationWrap(name, err, "output schema")
		}
		step.Output = out
	}
	return p, nil
}

// inputSchema checks that every producer's output is assignable to the first
// producer's, which becomes the step's input.
func (p *Plan) inputSchema(step *Step) (row.Schema, error) {
	var (
		in    row.Schema
		first string
	)
	for _, from := range step.Inputs {
		prod := p.Steps[from]
		if prod == nil || prod.Transform == nil {
			continue
		}
		if first == "" {
			in, first = prod.Output, from
			continue
		}
		if err := prod.Output.AssignableTo(in); err != nil {
			return row.Schema{}, errs.GraphValidationWrap(step.Node.Name, err, "rows from %s do not match rows from %s", from, first)
		}
	}
	return in, nil
}
