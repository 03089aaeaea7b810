// Package checkdb verifies that database connections can be opened before a
// workflow goes on.
package checkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"hopflow/internal/action"
	"hopflow/internal/registry"
)

const PluginID = "check-db-connections"

type Connection struct {
	Name string `json:"name"`
	DSN  string `json:"dsn"`
	// WaitFor keeps the connection open this long after a successful ping,
	// e.g. "5s".
	WaitFor string `json:"wait_for"`
	Timeout string `json:"timeout"`
}

type Config struct {
	Connections []Connection `json:"connections"`
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Check DB connections",
		Category:    registry.CategoryAction,
		Description: "Connects to every listed MySQL database and fails on the first one that does not answer",
	}, func() (*Check, error) { return &Check{}, nil })
}

type target struct {
	name string
	cfg  *mysql.Config
	wait time.Duration
}

type Check struct {
	targets []target
	log     *slog.Logger
}

func (c *Check) Configure(ctx action.Context) error {
	var cfg Config
	if err := ctx.DecodeConfig(&cfg); err != nil {
		return err
	}
	if len(cfg.Connections) == 0 {
		return errors.New("check-db-connections: no connections listed")
	}
	c.log = ctx.Log()
	c.targets = c.targets[:0]
	for i, conn := range cfg.Connections {
		name := conn.Name
		if name == "" {
			name = fmt.Sprintf("connection %d", i+1)
		}
		if strings.TrimSpace(conn.DSN) == "" {
			return fmt.Errorf("check-db-connections: %s: dsn is empty", name)
		}
		mc, err := mysql.ParseDSN(conn.DSN)
		if err != nil {
			return fmt.Errorf("check-db-connections: %s: %w", name, err)
		}
		t := target{name: name, cfg: mc}
		if conn.WaitFor != "" {
			if t.wait, err = time.ParseDuration(conn.WaitFor); err != nil || t.wait < 0 {
				return fmt.Errorf("check-db-connections: %s: bad wait_for %q", name, conn.WaitFor)
			}
		}
		if conn.Timeout != "" {
			d, err := time.ParseDuration(conn.Timeout)
			if err != nil || d <= 0 {
				return fmt.Errorf("check-db-connections: %s: bad timeout %q", name, conn.Timeout)
			}
			mc.Timeout = d
		}
		c.targets = append(c.targets, t)
	}
	return nil
}

func (c *Check) Execute(ctx context.Context, prev action.Result) (action.Result, error) {
	for _, t := range c.targets {
		if err := c.check(ctx, t); err != nil {
			return action.Result{}, fmt.Errorf("%s: %w", t.name, err)
		}
		c.log.Info("database connection ok", "connection", t.name, "addr", t.cfg.Addr)
	}
	return action.Result{Success: true, Errors: prev.Errors}, nil
}

func (c *Check) check(ctx context.Context, t target) error {
	connector, err := mysql.NewConnector(t.cfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if t.wait == 0 {
		return nil
	}
	timer := time.NewTimer(t.wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
