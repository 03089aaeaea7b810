package row

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
)

// Row holds one value per schema field, in schema order. Values use int64,
// float64, string (text and bignumber), time.Time, bool and []byte; nil is
// a null.
type Row []any

func (r Row) Clone() Row { return append(Row(nil), r...) }

// Check verifies arity, nullability and Go value types against s.
func (s Schema) Check(r Row) error {
	if len(r) != s.Len() {
		return fmt.Errorf("row: has %d values, schema has %d fields", len(r), s.Len())
	}
	for i, f := range s.fields {
		v := r[i]
		if v == nil {
			if !f.Nullable {
				return fmt.Errorf("row: field %q is null", f.Name)
			}
			continue
		}
		if !matches(f.Type, v) {
			return fmt.Errorf("row: field %q wants %s, got %T", f.Name, f.Type, v)
		}
	}
	return nil
}

func matches(t Type, v any) bool {
	switch t {
	case TypeInt:
		_, ok := v.(int64)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeText, TypeBigNumber:
		_, ok := v.(string)
		return ok
	case TypeDate, TypeTimestamp:
		_, ok := v.(time.Time)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeBinary:
		_, ok := v.([]byte)
		return ok
	}
	return false
}

// Coerce converts a loosely typed value (from JSON or YAML) to the Go type
// used for t.
func Coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("row: %v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case TypeNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case TypeBigNumber:
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case json.Number:
			s = x.String()
		default:
			s = fmt.Sprint(x)
		}
		if _, ok := new(big.Float).SetString(s); !ok {
			return nil, fmt.Errorf("row: %q is not a number", s)
		}
		return s, nil
	case TypeText:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case TypeDate, TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return ts, nil
			}
			return time.Parse(time.DateOnly, x)
		case int64:
			return time.UnixMilli(x).UTC(), nil
		case json.Number:
			ms, err := x.Int64()
			if err != nil {
				return nil, err
			}
			return time.UnixMilli(ms).UTC(), nil
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	case TypeBinary:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return base64.StdEncoding.DecodeString(x)
		}
	default:
		return nil, fmt.Errorf("row: unsupported type %q", t)
	}
	return nil, fmt.Errorf("row: cannot use %T as %s", v, t)
}

// EncodeRow renders r as a JSON array in schema order.
func EncodeRow(s Schema, r Row) ([]byte, error) {
	if err := s.Check(r); err != nil {
		return nil, err
	}
	out := make([]any, len(r))
	for i, v := range r {
		if ts, ok := v.(time.Time); ok {
			out[i] = ts.Format(time.RFC3339Nano)
			continue
		}
		out[i] = v
	}
	return json.Marshal(out)
}

// DecodeRow parses a JSON array produced by EncodeRow.
func DecodeRow(s Schema, data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("row: decode: %w", err)
	}
	if len(raw) != s.Len() {
		return nil, fmt.Errorf("row: has %d values, schema has %d fields", len(raw), s.Len())
	}
	r := make(Row, len(raw))
	for i, v := range raw {
		f := s.fields[i]
		c, err := Coerce(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("row: field %q: %w", f.Name, err)
		}
		if c == nil && !f.Nullable {
			return nil, fmt.Errorf("row: field %q is null", f.Name)
		}
		r[i] = c
	}
	return r, nil
}
