// Package graph holds the transform graph handed to engines: named nodes
// bound to plugins and the hops connecting them.
package graph

import (
	"encoding/json"
	"slices"

	errs "hopflow/internal/errors"
)

type Node struct {
	Name        string          `json:"name" yaml:"name"`
	PluginID    string          `json:"plugin" yaml:"plugin"`
	Config      json.RawMessage `json:"config,omitempty" yaml:"-"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

type Hop struct {
	From    string `json:"from" yaml:"from"`
	To      string `json:"to" yaml:"to"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type Graph struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Hops  []Hop  `json:"hops"`
}

type ValidateOptions struct {
	// AllowLoops lets cycles through for engines that can run them.
	AllowLoops bool
}

// Validate checks structure: names, hop endpoints and cycles. Plugin ids are
// resolved later by the plan. A hop naming a missing node is rejected even
// when it is disabled.
func (g *Graph) Validate(opts ValidateOptions) error {
	if len(g.Nodes) == 0 {
		return errs.GraphValidation(g.Name, "graph has no transforms")
	}
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return errs.GraphValidation("", "transform without a name")
		}
		if _, dup := seen[n.Name]; dup {
			return errs.GraphValidation(n.Name, "duplicate transform name")
		}
		if n.PluginID == "" {
			return errs.GraphValidation(n.Name, "no plugin id")
		}
		if len(n.Config) > 0 && !json.Valid(n.Config) {
			return errs.GraphValidation(n.Name, "configuration is not valid JSON")
		}
		seen[n.Name] = struct{}{}
	}
	pairs := make(map[Hop]struct{}, len(g.Hops))
	for _, h := range g.Hops {
		if _, ok := seen[h.From]; !ok {
			return errs.GraphValidation(h.From, "hop %s -> %s starts at an unknown transform", h.From, h.To)
		}
		if _, ok := seen[h.To]; !ok {
			return errs.GraphValidation(h.To, "hop %s -> %s ends at an unknown transform", h.From, h.To)
		}
		key := Hop{From: h.From, To: h.To}
		if _, dup := pairs[key]; dup {
			return errs.GraphValidation(h.To, "duplicate hop %s -> %s", h.From, h.To)
		}
		pairs[key] = struct{}{}
	}
	if opts.AllowLoops {
		return nil
	}
	_, err := g.TopologicalOrder()
	return err
}

// Node returns the node called name.
func (g *Graph) Node(name string) (Node, bool) {
	i := slices.IndexFunc(g.Nodes, func(n Node) bool { return n.Name == name })
	if i < 0 {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// Inputs lists the producers feeding name over enabled hops, in hop order.
func (g *Graph) Inputs(name string) []string {
	var out []string
	for _, h := range g.Hops {
		if h.Enabled && h.To == name {
			out = append(out, h.From)
		}
	}
	return out
}

// Outputs lists the consumers of name over enabled hops, in hop order.
func (g *Graph) Outputs(name string) []string {
	var out []string
	for _, h := range g.Hops {
		if h.Enabled && h.From == name {
			out = append(out, h.To)
		}
	}
	return out
}

// TopologicalOrder sorts node names over enabled hops. Ties keep declaration
// order so plans are reproducible.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.Name] = 0
	}
	for _, h := range g.Hops {
		if h.Enabled {
			indeg[h.To]++
		}
	}
	order := make([]string, 0, len(g.Nodes))
	done := make(map[string]bool, len(g.Nodes))
	for len(order) < len(g.Nodes) {
		progressed := false
		for _, n := range g.Nodes {
			if done[n.Name] || indeg[n.Name] > 0 {
				continue
			}
			done[n.Name] = true
			order = append(order, n.Name)
			for _, next := range g.Outputs(n.Name) {
				indeg[next]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, errs.CyclicGraph(g.cycle(done))
		}
	}
	return order, nil
}

// cycle walks back from any remaining node until a name repeats.
func (g *Graph) cycle(done map[string]bool) []string {
	var start string
	for _, n := range g.Nodes {
		if !done[n.Name] {
			start = n.Name
			break
		}
	}
	path := []string{start}
	at := map[string]int{start: 0}
	cur := start
	for {
		var next string
		for _, in := range g.Inputs(cur) {
			if !done[in] {
				next = in
				break
			}
		}
		if i, ok := at[next]; ok {
			loop := append(path[i:], next)
			slices.Reverse(loop)
			return loop
		}
		at[next] = len(path)
		path = append(path, next)
		cur = next
	}
}

// Clone deep-copies the graph. Engines keep their own copy from Prepare on.
func (g *Graph) Clone() *Graph {
	out := &Graph{Name: g.Name, Nodes: make([]Node, len(g.Nodes)), Hops: slices.Clone(g.Hops)}
	for i, n := range g.Nodes {
		n.Config = slices.Clone(n.Config)
		out.Nodes[i] = n
	}
	return out
}
