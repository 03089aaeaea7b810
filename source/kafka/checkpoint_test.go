package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommitter_EveryN(t *testing.T) {
	c := NewCommitter(CheckpointCfg{CommitEvery: 3, CommitInt: time.Hour})
	var due []bool
	for range 7 {
		due = append(due, c.Mark())
	}
	assert.Equal(t, []bool{false, false, true, false, false, true, false}, due)
	assert.Equal(t, int64(1), c.Pending())

	c.Flushed()
	assert.Zero(t, c.Pending())
}

func TestCommitter_Interval(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCommitter(CheckpointCfg{CommitInt: 5 * time.Second})
	c.now, c.last = func() time.Time { return now }, now

	assert.False(t, c.Mark())
	now = now.Add(4 * time.Second)
	assert.False(t, c.Mark())
	now = now.Add(time.Second)
	assert.True(t, c.Mark())
	assert.False(t, c.Mark(), "cadence restarts after a due commit")
}
