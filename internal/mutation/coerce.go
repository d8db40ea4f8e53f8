package mutation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// toFloat converts numbers and numeric strings. Booleans, NaN and
// infinities are rejected.
func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case []byte:
		return toFloat(string(n))
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toPositiveInt accepts integral numbers and integer strings greater than zero.
func toPositiveInt(v interface{}) (int64, bool) {
	var i int64
	switch n := v.(type) {
	case json.Number:
		parsed, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			f, ok := toFloat(n)
			if !ok || f != math.Trunc(f) || f >= math.MaxInt64 {
				return 0, false
			}
			parsed = int64(f)
		}
		i = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		i = parsed
	case int64:
		i = n
	case int:
		i = int64(n)
	case float64:
		if n != math.Trunc(n) || n >= math.MaxInt64 {
			return 0, false
		}
		i = int64(n)
	default:
		return 0, false
	}
	return i, i > 0
}

func roundCents(f float64) float64 {
	return math.Round(f*100) / 100
}

// looseEqual compares a stored column value with a sanitized change.
// Numbers and numeric strings compare by value, so 9.99 equals "9.99".
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

const rowTimeLayout = "2006-01-02 15:04:05"

// NormalizeColumn turns a driver value read from column into the value
// used in diffs. MySQL returns DECIMAL and VARCHAR columns as []byte.
func (t *Table) NormalizeColumn(column string, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	kind := KindEnum
	switch column {
	case "id":
		kind = KindReference
	case "created_at", "updated_at":
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format(rowTimeLayout)
		}
		return v
	default:
		if f, ok := t.Field(column); ok {
			kind = f.Kind
		}
	}
	switch kind {
	case KindReference:
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		case float64:
			return int64(n)
		}
	case KindDecimal:
		if f, ok := toFloat(v); ok {
			return f
		}
	default:
		return fmt.Sprint(v)
	}
	return v
}
