package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/IBM/sarama"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "kafka-input"

// RawSchema is the output of the raw format.
var RawSchema = row.MustSchema(
	row.Field{Name: "key", Type: row.TypeBinary, Nullable: true},
	row.Field{Name: "value", Type: row.TypeBinary, Nullable: true},
	row.Field{Name: "topic", Type: row.TypeText},
	row.Field{Name: "partition", Type: row.TypeInt},
	row.Field{Name: "offset", Type: row.TypeInt},
	row.Field{Name: "timestamp", Type: row.TypeTimestamp, Nullable: true},
)

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Kafka input",
		Category:    registry.CategoryTransform,
		Tags:        []string{transform.TagSource},
		Description: "Reads records from Kafka topics",
	}, func() (*Input, error) { return &Input{}, nil })
}

// Input is the kafka-input source. Besides the Config keys its
// configuration takes "config_file", a YAML file loaded underneath them,
// and "schema", the row schema of the row format.
type Input struct {
	cfg      Config
	schema   row.Schema
	adapter  Adapter
	throttle *Throttle
	read     atomic.Int64
	log      *slog.Logger
}

type inputShape struct {
	ConfigFile string      `json:"config_file"`
	Schema     *row.Schema `json:"schema"`
}

func (in *Input) Configure(ctx transform.Context) (row.Schema, error) {
	var shape inputShape
	if err := ctx.DecodeConfig(&shape); err != nil {
		return row.Schema{}, err
	}
	var overrides map[string]any
	if err := ctx.DecodeConfig(&overrides); err != nil {
		return row.Schema{}, err
	}
	delete(overrides, "config_file")
	delete(overrides, "schema")

	cfg, err := LoadConfig(shape.ConfigFile, overrides)
	if err != nil {
		return row.Schema{}, fmt.Errorf("%s %s: %w", PluginID, ctx.Name, err)
	}
	in.cfg, in.log = cfg, ctx.Log()

	switch cfg.Format {
	case FormatRaw:
		in.schema = RawSchema
	case FormatRow:
		if shape.Schema == nil || shape.Schema.Len() == 0 {
			return row.Schema{}, fmt.Errorf("%s %s: the row format needs a schema", PluginID, ctx.Name)
		}
		in.schema = *shape.Schema
	}
	return in.schema, nil
}

// Open connects the driver. Configure stays offline so planning never
// touches the brokers.
func (in *Input) Open(context.Context) error {
	a, err := NewAdapter(in.cfg.Driver)
	if err != nil {
		return err
	}
	if err := a.Configure(in.cfg); err != nil {
		return fmt.Errorf("%s: %w", PluginID, err)
	}
	in.adapter = a
	in.throttle = NewThrottle(in.cfg.Throttle)
	return nil
}

func (in *Input) ProcessRow(context.Context, row.Row, transform.Emit) error {
	return errors.New("kafka-input: source has no input")
}

// Produce reads until max_records rows were emitted or ctx ends.
func (in *Input) Produce(ctx context.Context, emit transform.Emit) error {
	if in.adapter == nil {
		return errors.New("kafka-input: not opened")
	}
	err := in.adapter.Run(ctx, func(msg *sarama.ConsumerMessage) error {
		if err := in.throttle.Acquire(ctx); err != nil {
			return err
		}
		r, err := in.decode(msg)
		if err != nil {
			return fmt.Errorf("kafka-input: %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := emit(r); err != nil {
			return err
		}
		if n := in.read.Add(1); in.cfg.MaxRecords > 0 && n >= in.cfg.MaxRecords {
			return ErrEnough
		}
		return nil
	})
	if errors.Is(err, ErrEnough) {
		err = nil
	}
	in.log.Debug("kafka read ended", "records", in.read.Load(), "err", err)
	return err
}

func (in *Input) decode(msg *sarama.ConsumerMessage) (row.Row, error) {
	if in.cfg.Format == FormatRaw {
		var ts any
		if !msg.Timestamp.IsZero() {
			ts = msg.Timestamp
		}
		return row.Row{bytesOrNil(msg.Key), bytesOrNil(msg.Value), msg.Topic, int64(msg.Partition), msg.Offset, ts}, nil
	}
	return row.DecodeRow(in.schema, msg.Value)
}

func bytesOrNil(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func (in *Input) Close() error {
	in.throttle.Close()
	if in.adapter == nil {
		return nil
	}
	err := in.adapter.Close()
	in.adapter = nil
	return err
}
