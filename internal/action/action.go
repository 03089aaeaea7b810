// Package action defines the contract of workflow actions. Actions run one
// after another along workflow hops, each receiving the result of the one
// before.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"hopflow/internal/logging"
	"hopflow/internal/variables"
)

// Result is what an action hands to the next one.
type Result struct {
	Success    bool
	Errors     int64
	ExitStatus int
	// Stopped ends the workflow after this action, whatever hops follow.
	Stopped bool
	// Message explains a failed or stopped result.
	Message string
	// Variables set here are visible to every later action.
	Variables variables.Variables
}

// Failed builds the result of an action that ran into err.
func Failed(prev Result, err error) Result {
	return Result{Errors: prev.Errors + 1, ExitStatus: 1, Message: err.Error()}
}

// Context is what an action sees at configuration time.
type Context struct {
	Name      string
	PluginID  string
	Config    json.RawMessage
	Variables variables.Variables
	Logger    *slog.Logger
}

func (c Context) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Channel(c.Name)
}

// DecodeConfig resolves ${VAR} references and decodes the configuration
// into target. An empty configuration leaves target untouched.
func (c Context) DecodeConfig(target any) error {
	if len(c.Config) == 0 {
		return nil
	}
	raw := c.Variables.Resolve(string(c.Config))
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("action %s: config: %w", c.Name, err)
	}
	return nil
}

// Action is the contract every action plugin implements. An error from
// Execute is a failed result; the workflow follows failure hops.
type Action interface {
	Configure(Context) error
	Execute(ctx context.Context, prev Result) (Result, error)
}

// Closer is implemented by actions holding resources.
type Closer interface {
	Close() error
}
