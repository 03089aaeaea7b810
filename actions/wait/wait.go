// Package wait pauses a workflow for a fixed time.
package wait

import (
	"context"
	"fmt"
	"time"

	"hopflow/internal/action"
	"hopflow/internal/registry"
)

const PluginID = "wait"

type Config struct {
	Duration string `json:"duration"` // e.g. "30s"
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Wait for",
		Category:    registry.CategoryAction,
		Description: "Waits for a duration before continuing",
	}, func() (*Wait, error) { return &Wait{}, nil })
}

type Wait struct {
	d time.Duration
}

func (w *Wait) Configure(ctx action.Context) error {
	var cfg Config
	if err := ctx.DecodeConfig(&cfg); err != nil {
		return err
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return fmt.Errorf("wait %s: %w", ctx.Name, err)
	}
	if d < 0 {
		return fmt.Errorf("wait %s: negative duration %s", ctx.Name, d)
	}
	w.d = d
	return nil
}

func (w *Wait) Execute(ctx context.Context, prev action.Result) (action.Result, error) {
	t := time.NewTimer(w.d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return action.Result{}, ctx.Err()
	case <-t.C:
	}
	return action.Result{Success: true, Errors: prev.Errors, Variables: prev.Variables}, nil
}
