// Package dataflow is the vocabulary shared by the distributed translator and
// the runners that execute its output: a pipeline document of stages, the
// element functions run by workers, windows and counters.
package dataflow

import (
	"encoding/json"
	"fmt"
	"slices"
)

type StageKind string

const (
	KindSource  StageKind = "source"
	KindParDo   StageKind = "pardo"
	KindWindow  StageKind = "window"
	KindCombine StageKind = "combine"
)

// Stage is one processing unit. Window stages carry a WindowPayload; every
// other kind names a URN whose decoder builds the element function from
// Payload on each worker.
type Stage struct {
	ID          string          `json:"id"`
	Kind        StageKind       `json:"kind"`
	URN         string          `json:"urn,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Inputs      []string        `json:"inputs,omitempty"`
	Parallelism int             `json:"parallelism,omitempty"`
	// Window is the id of the window stage whose windows reach this stage.
	// Empty means the global window.
	Window string `json:"window,omitempty"`
}

// Pipeline is the document handed to a runner. Stages are in topological
// order.
type Pipeline struct {
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

func (p *Pipeline) Stage(id string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// Consumers returns the ids of the stages reading from id.
func (p *Pipeline) Consumers(id string) []string {
	var out []string
	for _, s := range p.Stages {
		if slices.Contains(s.Inputs, id) {
			out = append(out, s.ID)
		}
	}
	return out
}

// Validate checks the document is runnable: unique ids, known kinds, and
// every input declared before the stage reading it.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("dataflow: pipeline %q has no stages", p.Name)
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.ID == "" {
			return fmt.Errorf("dataflow: pipeline %q has a stage without id", p.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("dataflow: duplicate stage %q", s.ID)
		}
		switch s.Kind {
		case KindSource:
			if len(s.Inputs) > 0 {
				return fmt.Errorf("dataflow: source stage %q has inputs", s.ID)
			}
		case KindParDo, KindWindow, KindCombine:
			if len(s.Inputs) == 0 {
				return fmt.Errorf("dataflow: %s stage %q has no inputs", s.Kind, s.ID)
			}
		default:
			return fmt.Errorf("dataflow: stage %q has unknown kind %q", s.ID, s.Kind)
		}
		if s.Kind != KindWindow && s.URN == "" {
			return fmt.Errorf("dataflow: stage %q has no urn", s.ID)
		}
		for _, in := range s.Inputs {
			if !seen[in] {
				return fmt.Errorf("dataflow: stage %q reads %q which is not declared before it", s.ID, in)
			}
		}
		if s.Window != "" {
			w, ok := p.Stage(s.Window)
			if !ok || w.Kind != KindWindow {
				return fmt.Errorf("dataflow: stage %q refers to unknown window stage %q", s.ID, s.Window)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

func (p *Pipeline) Encode() ([]byte, error) { return json.Marshal(p) }

func Decode(b []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("dataflow: decode pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
