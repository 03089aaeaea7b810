// Package writelog implements the writelog transform: it writes the rows it
// sees to the execution log (or stdout) and passes them on.
package writelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "writelog"

/* ────────── config ────────── */
type Config struct {
	Level       string `json:"level"`        // debug|info|warn|error
	Target      string `json:"target"`       // log|stdout
	Header      string `json:"header"`       // written before the first batch
	Limit       int64  `json:"limit"`        // 0 = every row
	PrintNumber bool   `json:"print_number"` // prepend the row number
	BatchSize   int    `json:"batch_size"`   // 0 = one line per row
	FlushMS     int    `json:"flush_ms"`     // 0 = flush on batch size or end only
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Write to log",
		Category:    registry.CategoryTransform,
		Description: "Writes rows to the execution log",
	}, func() (*WriteLog, error) { return &WriteLog{}, nil })
}

/* ────────── transform ────────── */
type WriteLog struct {
	// Out receives the stdout target; defaults to os.Stdout.
	Out io.Writer

	cfg    Config
	level  slog.Level
	log    *slog.Logger
	schema row.Schema

	mu      sync.Mutex // guards everything below
	seen    int64
	header  bool
	pending []string
	timer   *time.Timer // nil → no timer armed
}

func (w *WriteLog) Configure(ctx transform.Context) (row.Schema, error) {
	w.cfg = Config{Level: "info", Target: "log"}
	if err := ctx.DecodeConfig(&w.cfg); err != nil {
		return row.Schema{}, err
	}
	if err := w.level.UnmarshalText([]byte(w.cfg.Level)); err != nil {
		return row.Schema{}, fmt.Errorf("writelog %s: %w", ctx.Name, err)
	}
	switch {
	case w.cfg.Target != "log" && w.cfg.Target != "stdout":
		return row.Schema{}, fmt.Errorf("writelog %s: target %q (want log or stdout)", ctx.Name, w.cfg.Target)
	case w.cfg.Limit < 0, w.cfg.BatchSize < 0, w.cfg.FlushMS < 0:
		return row.Schema{}, fmt.Errorf("writelog %s: limit, batch_size and flush_ms must not be negative", ctx.Name)
	}
	w.log, w.schema = ctx.Log(), ctx.Input
	if w.Out == nil {
		w.Out = os.Stdout
	}
	return ctx.Input, nil
}

func (w *WriteLog) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error {
	w.mu.Lock()
	w.seen++
	if w.cfg.Limit == 0 || w.seen <= w.cfg.Limit {
		w.pending = append(w.pending, w.render(w.seen, r))
		switch {
		case w.cfg.BatchSize <= 1 || len(w.pending) >= w.cfg.BatchSize:
			w.flushLocked()
		case w.cfg.FlushMS > 0 && w.timer == nil:
			w.timer = time.AfterFunc(time.Duration(w.cfg.FlushMS)*time.Millisecond, w.timerFlush)
		}
	}
	w.mu.Unlock()
	return emit(r)
}

// Flush writes whatever is still batched once input ends.
func (w *WriteLog) Flush(context.Context, transform.Emit) error {
	w.mu.Lock()
	w.flushLocked()
	w.mu.Unlock()
	return nil
}

func (w *WriteLog) Close() error {
	return w.Flush(context.Background(), nil)
}

/* ────────── internals ────────── */

func (w *WriteLog) render(n int64, r row.Row) string {
	var b strings.Builder
	if w.cfg.PrintNumber {
		fmt.Fprintf(&b, "[%06d] ", n)
	}
	for i, v := range r {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(w.schema.Field(i).Name)
		b.WriteByte('=')
		switch x := v.(type) {
		case nil:
			b.WriteString("<null>")
		case time.Time:
			b.WriteString(x.Format(time.RFC3339Nano))
		case []byte:
			fmt.Fprintf(&b, "%x", x)
		default:
			fmt.Fprint(&b, x)
		}
	}
	return b.String()
}

// called by the background timer goroutine
func (w *WriteLog) timerFlush() {
	w.mu.Lock()
	w.flushLocked()
	w.mu.Unlock()
}

// must be called with w.mu *held*
func (w *WriteLog) flushLocked() {
	w.stopTimerLocked()
	if len(w.pending) == 0 {
		return
	}
	if !w.header && w.cfg.Header != "" {
		w.write(w.cfg.Header)
		w.header = true
	}
	w.write(strings.Join(w.pending, "\n"))
	w.pending = w.pending[:0]
}

func (w *WriteLog) write(text string) {
	if w.cfg.Target == "stdout" {
		fmt.Fprintln(w.Out, text)
		return
	}
	w.log.Log(context.Background(), w.level, text)
}

func (w *WriteLog) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
