package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"hopflow/internal/logging"
	"hopflow/internal/row"
	"hopflow/internal/variables"
)

// Descriptor tags understood by engines and the translator.
const (
	TagSource       = "source"
	TagWindow       = "window"
	TagAggregate    = "aggregate"
	TagDataflowOnly = "dataflow-only"
)

// Emit hands a row to every downstream hop.
type Emit func(row.Row) error

// Context is what a transform sees at configuration time. It is a plain
// value so a remote worker can rebuild it from transported pieces.
type Context struct {
	Name      string
	PluginID  string
	Input     row.Schema
	Config    json.RawMessage
	Variables variables.Variables
	Logger    *slog.Logger
	// Copy numbers parallel instances of the same transform.
	Copy int
}

func (c Context) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Channel(c.Name)
}

// DecodeConfig resolves ${VAR} references in the configuration and decodes
// it into target. An empty configuration leaves target untouched.
func (c Context) DecodeConfig(target any) error {
	if len(c.Config) == 0 {
		return nil
	}
	raw := c.Variables.Resolve(string(c.Config))
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("transform %s: config: %w", c.Name, err)
	}
	return nil
}

// Transform is the contract every transform plugin implements.
type Transform interface {
	// Configure validates the configuration against the input schema and
	// returns the output schema.
	Configure(Context) (row.Schema, error)
	ProcessRow(ctx context.Context, r row.Row, emit Emit) error
	Close() error
}

// Source transforms have no input hops and produce rows themselves.
type Source interface {
	Transform
	Produce(ctx context.Context, emit Emit) error
}

// Opener is called once per instance before the first row.
type Opener interface {
	Open(ctx context.Context) error
}

// Flusher is called once after the last input row, or at the end of a window
// when the transform runs as an aggregate.
type Flusher interface {
	Flush(ctx context.Context, emit Emit) error
}

// NopClose can be embedded by transforms without resources.
type NopClose struct{}

func (NopClose) Close() error { return nil }
