// Package notify forwards execution state updates to message brokers.
// Each publisher is an extension handler for execution-state-updated.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"

	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/variables"
)

const (
	DefaultSubject  = "hopflow.execution"
	DefaultExchange = "hopflow.executions"
)

type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"` // prefix; the execution id is appended
	Name    string `koanf:"name"`
}

type AMQPConfig struct {
	URL      string        `koanf:"url"`
	Exchange string        `koanf:"exchange"`
	Timeout  time.Duration `koanf:"timeout"`
}

type Config struct {
	NATS NATSConfig `koanf:"nats"`
	AMQP AMQPConfig `koanf:"amqp"`
}

func snapshotOf(subject any) (execution.Snapshot, []byte, error) {
	snap, ok := subject.(execution.Snapshot)
	if !ok {
		return snap, nil, fmt.Errorf("notify: unexpected subject %T", subject)
	}
	body, err := json.Marshal(snap)
	return snap, body, err
}

/*──────── NATS ───────*/

// NATSConn is the part of *nats.Conn the publisher uses.
type NATSConn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn   NATSConn
	prefix string
}

func NewNATSPublisher(conn NATSConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject is where the updates of one execution go.
func (p *NATSPublisher) Subject(executionID string) string {
	return p.prefix + "." + executionID
}

func (p *NATSPublisher) Handle(_ context.Context, log *slog.Logger, _ variables.Variables, subject any) error {
	snap, body, err := snapshotOf(subject)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(snap.ID), body); err != nil {
		return fmt.Errorf("notify: nats publish: %w", err)
	}
	log.Debug("state update published", "broker", "nats", "execution", snap.ID, "status", snap.Status)
	return nil
}

/*──────── RabbitMQ ───────*/

// AMQPChannel is the part of *amqp.Channel the publisher uses.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type AMQPPublisher struct {
	ch       AMQPChannel
	exchange string
	timeout  time.Duration
}

func NewAMQPPublisher(ch AMQPChannel, exchange string, timeout time.Duration) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, timeout: timeout}
}

// RoutingKey is execution.<engine>.<status>, lower case, so consumers can
// bind on e.g. "execution.*.failed".
func RoutingKey(s execution.Snapshot) string {
	return strings.ToLower("execution." + s.Engine + "." + string(s.Status))
}

func (p *AMQPPublisher) Handle(ctx context.Context, log *slog.Logger, _ variables.Variables, subject any) error {
	snap, body, err := snapshotOf(subject)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(snap), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   snap.ID + ":" + snap.Updated.Format(time.RFC3339Nano),
		Timestamp:   snap.Updated,
		Headers:     amqp.Table{"execution-id": snap.ID, "status": string(snap.Status)},
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("notify: amqp publish: %w", err)
	}
	log.Debug("state update published", "broker", "amqp", "execution", snap.ID, "status", snap.Status)
	return nil
}

/*──────── wiring ───────*/

// Attach connects the configured brokers and subscribes a publisher for
// each. The returned function unsubscribes and closes the connections.
func Attach(bus *extension.Bus, cfg Config) (closeFn func() error, err error) {
	var closers []func() error
	closeFn = func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeFn()
		}
	}()

	if cfg.NATS.URL != "" {
		name := cfg.NATS.Name
		if name == "" {
			name = "hopflow"
		}
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(name), nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
		if err != nil {
			return closeFn, fmt.Errorf("notify: nats connect: %w", err)
		}
		unsub := bus.Subscribe(extension.ExecutionStateUpdated, NewNATSPublisher(nc, cfg.NATS.Subject))
		closers = append(closers, func() error {
			unsub()
			return nc.Drain()
		})
	}

	if cfg.AMQP.URL != "" {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return closeFn, fmt.Errorf("notify: amqp dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return closeFn, fmt.Errorf("notify: amqp channel: %w", err)
		}
		pub := NewAMQPPublisher(ch, cfg.AMQP.Exchange, cfg.AMQP.Timeout)
		if err := ch.ExchangeDeclare(pub.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return closeFn, fmt.Errorf("notify: amqp exchange %s: %w", pub.exchange, err)
		}
		unsub := bus.Subscribe(extension.ExecutionStateUpdated, pub)
		closers = append(closers, func() error {
			unsub()
			_ = ch.Close()
			return conn.Close()
		})
	}
	return closeFn, nil
}
