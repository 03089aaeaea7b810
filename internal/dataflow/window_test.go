package dataflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAssignWindows(t *testing.T) {
	ts := t0.Add(7 * time.Second)

	fixed := WindowSpec{Type: WindowFixed, Size: Duration(5 * time.Second)}
	assert.Equal(t, []Window{{Start: t0.Add(5 * time.Second), End: t0.Add(10 * time.Second)}}, fixed.AssignWindows(ts))

	sliding := WindowSpec{Type: WindowSliding, Size: Duration(10 * time.Second), Every: Duration(5 * time.Second)}
	assert.Equal(t, []Window{
		{Start: t0, End: t0.Add(10 * time.Second)},
		{Start: t0.Add(5 * time.Second), End: t0.Add(15 * time.Second)},
	}, sliding.AssignWindows(ts))

	session := WindowSpec{Type: WindowSession, Timeout: Duration(3 * time.Second)}
	assert.Equal(t, []Window{{Start: ts, End: ts.Add(3 * time.Second)}}, session.AssignWindows(ts))

	assert.Equal(t, []Window{Global}, WindowSpec{Type: WindowGlobal}.AssignWindows(ts))
}

func TestMergeSessions(t *testing.T) {
	w := func(from, to int) Window {
		return Window{Start: t0.Add(time.Duration(from) * time.Second), End: t0.Add(time.Duration(to) * time.Second)}
	}
	got := MergeSessions([]Window{w(10, 13), w(0, 3), w(2, 5), w(5, 8), w(20, 23)})
	assert.Equal(t, []Window{w(0, 8), w(10, 13), w(20, 23)}, got)
	assert.Nil(t, MergeSessions(nil))
}

func TestWindowSpec_Validate(t *testing.T) {
	assert.NoError(t, WindowSpec{Type: WindowGlobal}.Validate())
	assert.Error(t, WindowSpec{Type: WindowFixed}.Validate())
	assert.Error(t, WindowSpec{Type: WindowSliding, Size: Duration(time.Second), Every: Duration(time.Minute)}.Validate())
	assert.Error(t, WindowSpec{Type: WindowSession}.Validate())
	assert.Error(t, WindowSpec{Type: "tumbling"}.Validate())
}

func TestWindowSpec_JSONDurations(t *testing.T) {
	var s WindowSpec
	require.NoError(t, json.Unmarshal([]byte(`{"type":"sliding","size":"1m","every":5000000000}`), &s))
	assert.Equal(t, Duration(time.Minute), s.Size)
	assert.Equal(t, Duration(5*time.Second), s.Every)
	assert.Error(t, json.Unmarshal([]byte(`{"size":"soon"}`), &s))
}

func TestWindow_BoundsAndValues(t *testing.T) {
	w := Window{Start: t0, End: t0.Add(time.Minute)}
	assert.True(t, w.Contains(t0))
	assert.False(t, w.Contains(t0.Add(time.Minute)))
	assert.True(t, Global.Contains(t0))
	assert.Equal(t, t0.Add(time.Minute-time.Nanosecond), w.MaxTimestamp())

	spec := WindowSpec{StartField: "ws", MaxField: "wmax"}
	assert.Equal(t, []string{"ws", "wmax"}, spec.BoundFields())
	assert.Equal(t, []any{t0, w.MaxTimestamp()}, spec.BoundValues(w))
}

func TestExtractTimestamp(t *testing.T) {
	got, err := ExtractTimestamp(t0.UnixMilli())
	require.NoError(t, err)
	assert.True(t, got.Equal(t0))

	_, err = ExtractTimestamp("yesterday")
	assert.Error(t, err)
	_, err = ExtractTimestamp(nil)
	assert.Error(t, err)
}
