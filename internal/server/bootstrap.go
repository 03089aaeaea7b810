// Package server assembles a hopflow process: registry, extension bus,
// metrics, execution-info locations, the in-process dataflow runner and the
// pipeline runner.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"hopflow/internal/config"
	"hopflow/internal/dataflow"
	"hopflow/internal/dataflow/direct"
	"hopflow/internal/engine"
	enginedf "hopflow/internal/engine/dataflow"
	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/logging"
	"hopflow/internal/notify"
	"hopflow/internal/pipeline"
	"hopflow/internal/plugins"
	"hopflow/internal/registry"
	"hopflow/internal/runconfig"
	"hopflow/internal/telemetry"
	"hopflow/internal/translator"
)

// DefaultLocation is the execution-info location every execution is
// recorded to when it is configured.
const DefaultLocation = "default"

type Platform struct {
	Config    config.Config
	Registry  *registry.Registry
	Bus       *extension.Bus
	Metrics   *telemetry.Metrics
	Gatherer  prometheus.Gatherer
	Locations map[string]execution.Location
	Direct    *direct.Runner
	Runner    *pipeline.Runner

	closers []func() error
}

func Bootstrap(ctx context.Context, cfg config.Config) (p *Platform, err error) {
	logging.Configure(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	prom := prometheus.NewRegistry()
	p = &Platform{
		Config:    cfg,
		Registry:  registry.New(),
		Bus:       extension.NewBus(logging.Channel("extensions")),
		Metrics:   telemetry.NewMetrics(prom),
		Gatherer:  prom,
		Locations: make(map[string]execution.Location, len(cfg.Locations)),
	}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	// 1. metrics
	if cfg.Metrics.Port > 0 {
		srv := telemetry.Expose(cfg.Metrics.Port, prom)
		p.closers = append(p.closers, srv.Close)
	}

	// 2. execution-info locations
	for name, lc := range cfg.Locations {
		loc, err := execution.OpenLocation(ctx, lc)
		if err != nil {
			return p, fmt.Errorf("location %s: %w", name, err)
		}
		if c, ok := loc.(io.Closer); ok {
			p.closers = append(p.closers, c.Close)
		}
		p.Locations[name] = loc
	}

	// 3. in-process dataflow runner
	fns := dataflow.NewFnRegistry()
	if err := translator.RegisterFns(fns, p.Registry, p.Bus); err != nil {
		return p, err
	}
	opts := []direct.Option{direct.WithMetrics(p.Metrics), direct.WithLogger(logging.Channel("direct"))}
	if cfg.Runner.Buffer > 0 {
		opts = append(opts, direct.WithBuffer(cfg.Runner.Buffer))
	}
	p.Direct = direct.New(fns, opts...)

	// 4. plugins
	p.Runner = &pipeline.Runner{
		Registry:  p.Registry,
		Store:     runconfig.NewFileStore(filepath.Join(cfg.MetadataDir, "run-configurations"), engine.Defaults{Registry: p.Registry}),
		Bus:       p.Bus,
		Locations: p.Locations,
		Logger:    logging.Channel("runner"),
	}
	deps := engine.Deps{Registry: p.Registry, Bus: p.Bus, Metrics: p.Metrics, Logger: logging.Channel("engine")}
	err = plugins.Register(deps, plugins.Options{
		Runners:   enginedf.DefaultRunners{Direct: p.Direct},
		Pipelines: p.Runner,
		History:   p.Locations[DefaultLocation],
	})
	if err != nil {
		return p, err
	}

	// 5. extensions and notifications
	detach, err := extension.Attach(p.Bus, p.Registry)
	if err != nil {
		return p, err
	}
	p.closers = append(p.closers, func() error { detach(); return nil })
	closeNotify, err := notify.Attach(p.Bus, cfg.Notify)
	if err != nil {
		return p, err
	}
	p.closers = append(p.closers, closeNotify)
	return p, nil
}

// Close releases everything Bootstrap opened, newest first.
func (p *Platform) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil
	return errors.Join(errs...)
}
