package dataflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"hopflow/internal/row"
)

// Window is a half-open interval [Start, End). The zero value is the global
// window.
type Window struct {
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
}

var Global = Window{}

func (w Window) IsGlobal() bool { return w.Start.IsZero() && w.End.IsZero() }

// MaxTimestamp is the last instant inside the window.
func (w Window) MaxTimestamp() time.Time {
	if w.IsGlobal() {
		return time.Time{}
	}
	return w.End.Add(-time.Nanosecond)
}

func (w Window) Contains(t time.Time) bool {
	return w.IsGlobal() || (!t.Before(w.Start) && t.Before(w.End))
}

func (w Window) String() string {
	if w.IsGlobal() {
		return "global"
	}
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano))
}

// Element is the unit flowing between stages.
type Element struct {
	Row       row.Row
	Timestamp time.Time
	Window    Window
}

type WindowType string

const (
	WindowGlobal  WindowType = "global"
	WindowFixed   WindowType = "fixed"
	WindowSliding WindowType = "sliding"
	WindowSession WindowType = "session"
)

// Duration accepts "10s" style strings or nanoseconds in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\" or nanoseconds: %s", b)
	}
	*d = Duration(n)
	return nil
}

// WindowSpec describes how elements are grouped in time. TimestampField
// switches from processing time to event time. StartField, EndField and
// MaxField name output fields receiving the window bounds.
type WindowSpec struct {
	Type           WindowType `json:"type"`
	Size           Duration   `json:"size,omitempty"`
	Every          Duration   `json:"every,omitempty"`
	Timeout        Duration   `json:"timeout,omitempty"`
	TimestampField string     `json:"timestamp_field,omitempty"`
	StartField     string     `json:"start_field,omitempty"`
	EndField       string     `json:"end_field,omitempty"`
	MaxField       string     `json:"max_field,omitempty"`
}

func (s WindowSpec) Validate() error {
	switch s.Type {
	case WindowGlobal:
	case WindowFixed:
		if s.Size <= 0 {
			return errors.New("fixed window needs a positive size")
		}
	case WindowSliding:
		if s.Size <= 0 || s.Every <= 0 {
			return errors.New("sliding window needs a positive size and every")
		}
		if s.Every > s.Size {
			return fmt.Errorf("sliding window period %s exceeds its size %s", time.Duration(s.Every), time.Duration(s.Size))
		}
	case WindowSession:
		if s.Timeout <= 0 {
			return errors.New("session window needs a positive timeout")
		}
	default:
		return fmt.Errorf("unknown window type %q", s.Type)
	}
	return nil
}

// BoundFields lists the configured bound fields in the order their values
// are appended to rows: start, end, max.
func (s WindowSpec) BoundFields() []string {
	var out []string
	for _, f := range []string{s.StartField, s.EndField, s.MaxField} {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// BoundValues returns the values for BoundFields.
func (s WindowSpec) BoundValues(w Window) []any {
	var out []any
	if s.StartField != "" {
		out = append(out, w.Start)
	}
	if s.EndField != "" {
		out = append(out, w.End)
	}
	if s.MaxField != "" {
		out = append(out, w.MaxTimestamp())
	}
	return out
}

// AssignWindows returns the windows an element stamped ts belongs to.
// Session windows come back as the element's own gap-sized proto window;
// MergeSessions joins them once the group is known.
func (s WindowSpec) AssignWindows(ts time.Time) []Window {
	switch s.Type {
	case WindowFixed:
		size := time.Duration(s.Size)
		start := ts.Truncate(size)
		return []Window{{Start: start, End: start.Add(size)}}
	case WindowSliding:
		size, every := time.Duration(s.Size), time.Duration(s.Every)
		var out []Window
		for start := ts.Truncate(every); start.Add(size).After(ts); start = start.Add(-every) {
			out = append(out, Window{Start: start, End: start.Add(size)})
		}
		slices.Reverse(out)
		return out
	case WindowSession:
		return []Window{{Start: ts, End: ts.Add(time.Duration(s.Timeout))}}
	default:
		return []Window{Global}
	}
}

// MergeSessions merges overlapping or touching windows. The result is sorted
// by start.
func MergeSessions(ws []Window) []Window {
	if len(ws) == 0 {
		return nil
	}
	sorted := slices.Clone(ws)
	slices.SortFunc(sorted, func(a, b Window) int { return a.Start.Compare(b.Start) })
	out := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// ExtractTimestamp reads an event time from a row value. Integers are epoch
// milliseconds.
func ExtractTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case nil:
		return time.Time{}, errors.New("timestamp field is null")
	default:
		return time.Time{}, fmt.Errorf("timestamp field holds %T, want timestamp or epoch millis", v)
	}
}

// WindowPayload configures a window stage. TimestampIndex is the position of
// the event-time field in the input rows, or -1 for processing time.
type WindowPayload struct {
	Spec           WindowSpec `json:"spec"`
	TimestampIndex int        `json:"timestamp_index"`
}
