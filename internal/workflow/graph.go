// Package workflow runs workflows: graphs of actions joined by hops that
// fire on the outcome of the action they leave.
package workflow

import (
	"encoding/json"
	"slices"

	errs "hopflow/internal/errors"
)

// Condition says when a hop is followed.
type Condition string

const (
	Unconditional Condition = "unconditional"
	OnSuccess     Condition = "success"
	OnFailure     Condition = "failure"
)

func (c Condition) matches(success bool) bool {
	switch c {
	case Unconditional:
		return true
	case OnSuccess:
		return success
	case OnFailure:
		return !success
	}
	return false
}

type Action struct {
	Name        string          `json:"name" yaml:"name"`
	PluginID    string          `json:"plugin" yaml:"plugin"`
	Config      json.RawMessage `json:"config,omitempty" yaml:"-"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

type Hop struct {
	From      string    `json:"from" yaml:"from"`
	To        string    `json:"to" yaml:"to"`
	Condition Condition `json:"condition" yaml:"condition"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
}

type Graph struct {
	Name string `json:"name"`
	// Start names the first action; empty means the first listed one.
	Start   string   `json:"start"`
	Actions []Action `json:"actions"`
	Hops    []Hop    `json:"hops"`
}

// Validate checks names, hop endpoints and conditions. Loops are allowed:
// a workflow may retry by hopping back.
func (g *Graph) Validate() error {
	if len(g.Actions) == 0 {
		return errs.GraphValidation(g.Name, "workflow has no actions")
	}
	seen := make(map[string]struct{}, len(g.Actions))
	for _, a := range g.Actions {
		switch {
		case a.Name == "":
			return errs.GraphValidation("", "action without a name")
		case a.PluginID == "":
			return errs.GraphValidation(a.Name, "no plugin id")
		case len(a.Config) > 0 && !json.Valid(a.Config):
			return errs.GraphValidation(a.Name, "configuration is not valid JSON")
		}
		if _, dup := seen[a.Name]; dup {
			return errs.GraphValidation(a.Name, "duplicate action name")
		}
		seen[a.Name] = struct{}{}
	}
	if _, ok := seen[g.StartAction()]; !ok {
		return errs.GraphValidation(g.Start, "start action does not exist")
	}
	for _, h := range g.Hops {
		if _, ok := seen[h.From]; !ok {
			return errs.GraphValidation(h.From, "hop %s -> %s starts at an unknown action", h.From, h.To)
		}
		if _, ok := seen[h.To]; !ok {
			return errs.GraphValidation(h.To, "hop %s -> %s ends at an unknown action", h.From, h.To)
		}
		switch h.Condition {
		case Unconditional, OnSuccess, OnFailure:
		default:
			return errs.GraphValidation(h.From, "hop %s -> %s has condition %q", h.From, h.To, h.Condition)
		}
	}
	return nil
}

func (g *Graph) StartAction() string {
	if g.Start != "" || len(g.Actions) == 0 {
		return g.Start
	}
	return g.Actions[0].Name
}

func (g *Graph) Action(name string) (Action, bool) {
	i := slices.IndexFunc(g.Actions, func(a Action) bool { return a.Name == name })
	if i < 0 {
		return Action{}, false
	}
	return g.Actions[i], true
}

// Next lists, in hop order, the actions reached from name given the outcome
// of name.
func (g *Graph) Next(name string, success bool) []string {
	var out []string
	for _, h := range g.Hops {
		if h.Enabled && h.From == name && h.Condition.matches(success) {
			out = append(out, h.To)
		}
	}
	return out
}

func (g *Graph) Clone() *Graph {
	c := &Graph{Name: g.Name, Start: g.Start, Hops: slices.Clone(g.Hops)}
	c.Actions = make([]Action, len(g.Actions))
	for i, a := range g.Actions {
		a.Config = slices.Clone(a.Config)
		c.Actions[i] = a
	}
	return c
}
