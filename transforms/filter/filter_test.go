package filter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopflow/internal/row"
	"hopflow/internal/transform"
	"hopflow/internal/transform/transformtest"
)

func run(t *testing.T, s row.Schema, cfg string, rows []row.Row) ([]row.Row, []error) {
	t.Helper()
	f := &Filter{}
	out, err := f.Configure(transform.Context{Name: "f", Input: s, Config: json.RawMessage(cfg)})
	require.NoError(t, err)
	assert.True(t, out.Equal(s))

	var (
		kept []row.Row
		errs []error
	)
	for _, r := range rows {
		if err := f.ProcessRow(context.Background(), r, func(r row.Row) error {
			kept = append(kept, r)
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return kept, errs
}

func ids(rows []row.Row) []int64 {
	var out []int64
	for _, r := range rows {
		out = append(out, r[0].(int64))
	}
	return out
}

func TestFilter_Comparisons(t *testing.T) {
	rows := transformtest.IDRows(6)
	for cfg, want := range map[string][]int64{
		`{"condition":{"field":"id","op":">","value":4}}`:                         {5, 6},
		`{"condition":{"field":"id","op":"<=","value":"2"}}`:                      {1, 2},
		`{"condition":{"field":"id","op":"!=","value":3}}`:                        {1, 2, 4, 5, 6},
		`{"condition":{"field":"name","op":"=","value":"row-3"}}`:                 {3},
		`{"condition":{"field":"name","op":"contains","value":"-5"}}`:             {5},
		`{"condition":{"field":"id","op":"multiple_of","value":2}}`:               {2, 4, 6},
		`{"condition":{"field":"id","op":"multiple_of","value":2},"negate":true}`: {1, 3, 5},
		`{}`: {1, 2, 3, 4, 5, 6},
	} {
		kept, errs := run(t, transformtest.IDSchema, cfg, rows)
		assert.Empty(t, errs, cfg)
		assert.Equal(t, want, ids(kept), cfg)
	}
}

func TestFilter_FailOnForcesRowErrors(t *testing.T) {
	kept, errs := run(t, transformtest.IDSchema,
		`{"fail_on":{"field":"id","op":"multiple_of","value":3}}`, transformtest.IDRows(10))
	assert.Len(t, errs, 3)
	assert.Equal(t, []int64{1, 2, 4, 5, 7, 8, 10}, ids(kept))
	assert.ErrorContains(t, errs[0], "id multiple_of 3")
}

func TestFilter_NullsAndTimestamps(t *testing.T) {
	s := row.MustSchema(
		row.Field{Name: "id", Type: row.TypeInt},
		row.Field{Name: "at", Type: row.TypeTimestamp, Nullable: true},
	)
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := []row.Row{{int64(1), t0}, {int64(2), nil}, {int64(3), t0.Add(time.Hour)}}

	kept, _ := run(t, s, `{"condition":{"field":"at","op":"is_null"}}`, rows)
	assert.Equal(t, []int64{2}, ids(kept))

	kept, _ = run(t, s, `{"condition":{"field":"at","op":">=","value":"2026-05-01T00:30:00Z"}}`, rows)
	assert.Equal(t, []int64{3}, ids(kept), "null never matches a comparison")

	kept, _ = run(t, s, `{"condition":{"field":"at","op":"not_null"}}`, rows)
	assert.Equal(t, []int64{1, 3}, ids(kept))
}

func TestFilter_BigNumbersAndBooleans(t *testing.T) {
	s := row.MustSchema(
		row.Field{Name: "id", Type: row.TypeInt},
		row.Field{Name: "amount", Type: row.TypeBigNumber},
		row.Field{Name: "ok", Type: row.TypeBoolean},
	)
	rows := []row.Row{
		{int64(1), "100000000000000000000.5", true},
		{int64(2), "99", false},
	}
	kept, _ := run(t, s, `{"condition":{"field":"amount","op":">","value":"1e20"}}`, rows)
	assert.Equal(t, []int64{1}, ids(kept))

	kept, _ = run(t, s, `{"condition":{"field":"ok","op":"=","value":false}}`, rows)
	assert.Equal(t, []int64{2}, ids(kept))
}

func TestFilter_RejectsConfig(t *testing.T) {
	bin := row.MustSchema(row.Field{Name: "b", Type: row.TypeBinary})
	for _, tc := range []struct {
		s   row.Schema
		cfg string
	}{
		{transformtest.IDSchema, `{"condition":{"field":"nope","op":"=","value":1}}`},
		{transformtest.IDSchema, `{"condition":{"field":"id","op":"~","value":1}}`},
		{transformtest.IDSchema, `{"condition":{"field":"id","op":"="}}`},
		{transformtest.IDSchema, `{"condition":{"field":"id","op":"contains","value":"1"}}`},
		{transformtest.IDSchema, `{"fail_on":{"field":"name","op":"multiple_of","value":2}}`},
		{transformtest.IDSchema, `{"fail_on":{"field":"id","op":"multiple_of","value":0}}`},
		{transformtest.IDSchema, `{"condition":{"field":"id","op":"<","value":"abc"}}`},
		{bin, `{"condition":{"field":"b","op":"<","value":"AA=="}}`},
	} {
		_, err := (&Filter{}).Configure(transform.Context{Name: "f", Input: tc.s, Config: json.RawMessage(tc.cfg)})
		assert.Error(t, err, tc.cfg)
	}
}
