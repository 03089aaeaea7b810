package writelog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopflow/internal/row"
	"hopflow/internal/transform"
	"hopflow/internal/transform/transformtest"
)

// syncBuffer is written by the flush timer and read by the test.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func configure(t *testing.T, w *WriteLog, cfg string, log *slog.Logger) {
	t.Helper()
	out, err := w.Configure(transform.Context{
		Name: "log", Input: transformtest.IDSchema, Config: json.RawMessage(cfg), Logger: log,
	})
	require.NoError(t, err)
	assert.True(t, out.Equal(transformtest.IDSchema))
}

func feed(t *testing.T, w *WriteLog, n int) []row.Row {
	t.Helper()
	var passed []row.Row
	for _, r := range transformtest.IDRows(n) {
		require.NoError(t, w.ProcessRow(context.Background(), r, func(r row.Row) error {
			passed = append(passed, r)
			return nil
		}))
	}
	return passed
}

func TestWriteLog_BatchesAndLimits(t *testing.T) {
	var out syncBuffer
	w := &WriteLog{Out: &out}
	configure(t, w, `{"target":"stdout","header":"== rows ==","limit":3,"batch_size":2,"print_number":true}`, nil)

	passed := feed(t, w, 5)
	assert.Len(t, passed, 5, "every row passes through")
	assert.Equal(t, "== rows ==\n[000001] id=1, name=row-1\n[000002] id=2, name=row-2\n", out.String())

	require.NoError(t, w.Flush(context.Background(), nil))
	assert.True(t, strings.HasSuffix(out.String(), "[000003] id=3, name=row-3\n"))
	assert.NotContains(t, out.String(), "row-4")
}

func TestWriteLog_TimerFlushesPartialBatch(t *testing.T) {
	var out syncBuffer
	w := &WriteLog{Out: &out}
	configure(t, w, `{"target":"stdout","batch_size":100,"flush_ms":10}`, nil)

	feed(t, w, 2)
	assert.Eventually(t, func() bool {
		return out.String() == "id=1, name=row-1\nid=2, name=row-2\n"
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Close())
}

func TestWriteLog_LogTargetUsesLevel(t *testing.T) {
	var buf syncBuffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := &WriteLog{}
	configure(t, w, `{"level":"warn"}`, log)

	feed(t, w, 1)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "id=1, name=row-1")
}

func TestWriteLog_RendersValues(t *testing.T) {
	s := row.MustSchema(
		row.Field{Name: "at", Type: row.TypeTimestamp},
		row.Field{Name: "raw", Type: row.TypeBinary, Nullable: true},
		row.Field{Name: "none", Type: row.TypeText, Nullable: true},
	)
	w := &WriteLog{schema: s}
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "at=2026-03-04T05:06:07Z, raw=0aff, none=<null>", w.render(1, row.Row{at, []byte{0x0a, 0xff}, nil}))
}

func TestWriteLog_RejectsConfig(t *testing.T) {
	for _, cfg := range []string{`{"level":"loud"}`, `{"target":"file"}`, `{"limit":-1}`} {
		_, err := (&WriteLog{}).Configure(transform.Context{Name: "log", Input: transformtest.IDSchema, Config: json.RawMessage(cfg)})
		assert.Error(t, err, cfg)
	}
}
