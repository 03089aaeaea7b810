package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"hopflow/internal/logging"
)

// SaramaDriver reads through a consumer group. Offsets are marked after
// each handled record and committed on the Committer's cadence.
type SaramaDriver struct {
	cfg     Config
	cl      sarama.Client
	group   sarama.ConsumerGroup
	commits *Committer
	log     *slog.Logger
}

func (d *SaramaDriver) Configure(config Config) error {
	d.cfg = config
	d.commits = NewCommitter(config.Checkpoint)
	d.log = logging.Channel("kafka-input", "driver", DriverGroup, "group", config.GroupID)

	sc, err := config.saramaConfig()
	if err != nil {
		return err
	}
	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	if err != nil {
		_ = d.cl.Close()
		return err
	}
	go func() {
		for err := range d.group.Errors() {
			d.log.Warn("consumer group error", "err", err)
		}
	}()
	return nil
}

func (d *SaramaDriver) Run(ctx context.Context, handle Handler) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h := newGroupHandler(handle, d.commits, d.log, cancel)

	for {
		if err := d.group.Consume(runCtx, d.cfg.Topics, h); err != nil && runCtx.Err() == nil {
			return err
		}
		if done, err := h.result(); done {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *SaramaDriver) Close() error {
	var err error
	if d.group != nil {
		err = d.group.Close()
	}
	if d.cl != nil && !d.cl.Closed() {
		err = errors.Join(err, d.cl.Close())
	}
	return err
}

/*──────── consumer group handler ───────*/

type groupHandler struct {
	handle  Handler
	commits *Committer
	log     *slog.Logger
	stop    context.CancelFunc

	// partition claims run concurrently; records reach the handler one at
	// a time.
	mu   sync.Mutex
	done bool
	err  error
}

func newGroupHandler(handle Handler, commits *Committer, log *slog.Logger, stop context.CancelFunc) *groupHandler {
	return &groupHandler{handle: handle, commits: commits, log: log, stop: stop}
}

func (h *groupHandler) result() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done, h.err
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup runs at rebalance and shutdown: whatever is marked gets committed.
func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if n := h.commits.Pending(); n > 0 {
		sess.Commit()
		h.commits.Flushed()
		h.log.Debug("committed on cleanup", "records", n)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if stop := h.consume(sess, msg); stop {
				return nil
			}
		}
	}
}

func (h *groupHandler) consume(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return true
	}
	err := h.handle(msg)
	enough := errors.Is(err, ErrEnough)
	if err != nil && !enough {
		h.done, h.err = true, err
		h.stop()
		return true
	}
	sess.MarkMessage(msg, "")
	if h.commits.Mark() || enough {
		sess.Commit()
		h.commits.Flushed()
	}
	if enough {
		h.done = true
		h.stop()
	}
	return enough
}
