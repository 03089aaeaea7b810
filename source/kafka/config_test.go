package kafka

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kafka.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_LayersFileOverridesAndEnv(t *testing.T) {
	path := writeFile(t, `
schema_version: v1
brokers: [a:9092, b:9092]
topics: [events]
group_id: readers
checkpoint:
  commit_interval: 2s
`)
	t.Setenv("HOPFLOW_KAFKA__CHECKPOINT__COMMIT_EVERY", "7")

	cfg, err := LoadConfig(path, map[string]any{
		"topics":     []any{"orders"},
		"start_from": "oldest",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
	assert.Equal(t, []string{"orders"}, cfg.Topics)
	assert.Equal(t, "oldest", cfg.StartFrom)
	assert.Equal(t, 2*time.Second, cfg.Checkpoint.CommitInt)
	assert.Equal(t, int64(7), cfg.Checkpoint.CommitEvery)
	assert.Equal(t, DriverGroup, cfg.Driver)
	assert.Equal(t, FormatRow, cfg.Format)
	assert.Equal(t, int64(sarama.OffsetOldest), cfg.initialOffset())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", map[string]any{
		"driver":   DriverPartition,
		"brokers":  []any{"a:9092"},
		"topics":   []any{"events"},
		"throttle": map[string]any{"capacity": 50},
	})
	require.NoError(t, err)
	assert.Equal(t, "newest", cfg.StartFrom)
	assert.Equal(t, 5*time.Second, cfg.Checkpoint.CommitInt)
	assert.Equal(t, sarama.DefaultVersion.String(), cfg.Version)
	assert.Equal(t, int64(5), cfg.Throttle.Refill)
	assert.Equal(t, 100*time.Millisecond, cfg.Throttle.Interval)
}

func TestLoadConfig_Rejects(t *testing.T) {
	base := func(kv ...any) map[string]any {
		m := map[string]any{"brokers": []any{"a:9092"}, "topics": []any{"events"}, "group_id": "g"}
		for i := 0; i < len(kv); i += 2 {
			m[kv[i].(string)] = kv[i+1]
		}
		return m
	}
	for name, over := range map[string]map[string]any{
		"no brokers":     base("brokers", []any{}),
		"no group":       base("group_id", ""),
		"start_from":     base("start_from", "middle"),
		"format":         base("format", "avro"),
		"version":        base("version", "banana"),
		"negative limit": base("max_records", -1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig("", over)
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(writeFile(t, "schema_version: v2\n"), base())
	require.ErrorContains(t, err, "schema_version")
}

func TestLoadConfig_MissingFileIsIgnored(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), map[string]any{
		"brokers": []any{"a:9092"}, "topics": []any{"events"}, "group_id": "g",
	})
	require.NoError(t, err)
}
