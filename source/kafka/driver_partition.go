package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"hopflow/internal/logging"
)

// PartitionDriver reads every partition of the configured topics directly,
// without a consumer group. Nothing is committed: each run starts at
// start_from.
type PartitionDriver struct {
	cfg      Config
	consumer sarama.Consumer
	owned    bool
	log      *slog.Logger
}

// NewPartitionDriver wraps an existing consumer. The caller keeps ownership.
func NewPartitionDriver(c sarama.Consumer) *PartitionDriver {
	return &PartitionDriver{consumer: c}
}

func (d *PartitionDriver) Configure(config Config) error {
	d.cfg = config
	d.log = logging.Channel("kafka-input", "driver", DriverPartition)
	if d.consumer != nil {
		return nil
	}
	sc, err := config.saramaConfig()
	if err != nil {
		return err
	}
	if d.consumer, err = sarama.NewConsumer(config.Brokers, sc); err != nil {
		return err
	}
	d.owned = true
	return nil
}

func (d *PartitionDriver) Run(ctx context.Context, handle Handler) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var claims []sarama.PartitionConsumer
	defer func() {
		for _, pc := range claims {
			pc.AsyncClose()
		}
	}()
	for _, topic := range d.cfg.Topics {
		parts, err := d.consumer.Partitions(topic)
		if err != nil {
			return err
		}
		for _, p := range parts {
			pc, err := d.consumer.ConsumePartition(topic, p, d.cfg.initialOffset())
			if err != nil {
				return err
			}
			claims = append(claims, pc)
		}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		done  bool
		first error
	)
	consume := func(msg *sarama.ConsumerMessage) bool {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return true
		}
		err := handle(msg)
		if err == nil {
			return false
		}
		done = true
		if !errors.Is(err, ErrEnough) {
			first = err
		}
		cancel()
		return true
	}
	for _, pc := range claims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs := pc.Errors()
			for {
				select {
				case <-runCtx.Done():
					return
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					d.log.Warn("partition consumer error", "err", err)
				case msg, ok := <-pc.Messages():
					if !ok || consume(msg) {
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if done {
		return first
	}
	return ctx.Err()
}

func (d *PartitionDriver) Close() error {
	if d.owned && d.consumer != nil {
		return d.consumer.Close()
	}
	return nil
}
