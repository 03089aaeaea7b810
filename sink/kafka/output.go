// Package kafka implements the kafka-output transform, which publishes every
// row it receives to a Kafka topic and passes it on unchanged.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "kafka-output"

type Format string

const (
	// FormatRow publishes the whole row as a positional JSON array.
	FormatRow Format = "row"
	// FormatField publishes the bytes of value_field.
	FormatField Format = "field"
)

type Config struct {
	Brokers    []string `json:"brokers"`
	Topic      string   `json:"topic"`
	Version    string   `json:"version"`
	Acks       int16    `json:"required_acks"` // 0,1,-1
	KeyField   string   `json:"key_field"`
	Format     Format   `json:"format"`
	ValueField string   `json:"value_field"`
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Kafka output",
		Category:    registry.CategoryTransform,
		Description: "Publishes rows to a Kafka topic",
	}, func() (*Output, error) { return &Output{}, nil })
}

// ProducerFunc opens the producer used by an Output.
type ProducerFunc func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)

type Output struct {
	// NewProducer defaults to sarama.NewSyncProducer.
	NewProducer ProducerFunc

	cfg    Config
	name   string
	schema row.Schema
	key    int
	value  int
	p      sarama.SyncProducer
	sc     *sarama.Config
}

func (o *Output) Configure(ctx transform.Context) (row.Schema, error) {
	o.cfg = Config{Acks: int16(sarama.WaitForLocal), Format: FormatRow}
	if err := ctx.DecodeConfig(&o.cfg); err != nil {
		return row.Schema{}, err
	}
	o.name, o.schema = ctx.Name, ctx.Input
	fail := func(format string, args ...any) (row.Schema, error) {
		return row.Schema{}, fmt.Errorf("%s %s: %s", PluginID, ctx.Name, fmt.Sprintf(format, args...))
	}
	switch {
	case len(o.cfg.Brokers) == 0:
		return fail("no brokers")
	case o.cfg.Topic == "":
		return fail("no topic")
	}
	switch sarama.RequiredAcks(o.cfg.Acks) {
	case sarama.NoResponse, sarama.WaitForLocal, sarama.WaitForAll:
	default:
		return fail("required_acks %d (want 0, 1 or -1)", o.cfg.Acks)
	}

	o.key = -1
	if o.cfg.KeyField != "" {
		if o.key = ctx.Input.Index(o.cfg.KeyField); o.key < 0 {
			return fail("key field %q not in input %s", o.cfg.KeyField, ctx.Input)
		}
	}
	switch o.cfg.Format {
	case FormatRow:
	case FormatField:
		if o.value = ctx.Input.Index(o.cfg.ValueField); o.value < 0 {
			return fail("value field %q not in input %s", o.cfg.ValueField, ctx.Input)
		}
		if t := ctx.Input.Field(o.value).Type; t != row.TypeText && t != row.TypeBinary {
			return fail("value field %q is %s, want text or binary", o.cfg.ValueField, t)
		}
	default:
		return fail("format %q (want row or field)", o.cfg.Format)
	}

	sc := sarama.NewConfig()
	if o.cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(o.cfg.Version)
		if err != nil {
			return fail("%v", err)
		}
		sc.Version = ver
	}
	sc.Producer.RequiredAcks = sarama.RequiredAcks(o.cfg.Acks)
	sc.Producer.Return.Successes = true
	o.sc = sc
	return ctx.Input, nil
}

func (o *Output) Open(context.Context) error {
	open := o.NewProducer
	if open == nil {
		open = sarama.NewSyncProducer
	}
	p, err := open(o.cfg.Brokers, o.sc)
	if err != nil {
		return fmt.Errorf("%s %s: %w", PluginID, o.name, err)
	}
	o.p = p
	return nil
}

func (o *Output) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error {
	if o.p == nil {
		return errors.New("kafka-output: not opened")
	}
	msg := &sarama.ProducerMessage{Topic: o.cfg.Topic}
	if o.key >= 0 && r[o.key] != nil {
		msg.Key = encoder(r[o.key])
	}
	switch o.cfg.Format {
	case FormatRow:
		b, err := row.EncodeRow(o.schema, r)
		if err != nil {
			return err
		}
		msg.Value = sarama.ByteEncoder(b)
	case FormatField:
		if v := r[o.value]; v != nil {
			msg.Value = encoder(v)
		}
	}
	if _, _, err := o.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka-output: send to %s: %w", o.cfg.Topic, err)
	}
	return emit(r)
}

func encoder(v any) sarama.Encoder {
	switch x := v.(type) {
	case []byte:
		return sarama.ByteEncoder(x)
	case string:
		return sarama.StringEncoder(x)
	default:
		return sarama.StringEncoder(fmt.Sprint(x))
	}
}

func (o *Output) Close() error {
	if o.p == nil {
		return nil
	}
	err := o.p.Close()
	o.p = nil
	return err
}
