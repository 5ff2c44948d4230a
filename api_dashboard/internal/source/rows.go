package source

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one row returned by a table read. Columns the query did not
// return, or that were renamed upstream, simply read as zero/nil.
type Record map[string]any

// RowSet is an ordered sequence of records from a single read
type RowSet []Record

// Value returns the raw column value, nil when absent
func (r Record) Value(field string) any {
	if r == nil {
		return nil
	}
	return r[field]
}

// Has reports whether the column is present and non-null
func (r Record) Has(field string) bool {
	return r.Value(field) != nil
}

// Decimal reads a numeric column. Missing, null and unparseable values are zero.
func (r Record) Decimal(field string) decimal.Decimal {
	d, _ := toDecimal(r.Value(field))
	return d
}

// String reads a column as text; nil reads as ""
func (r Record) String(field string) string {
	switch v := r.Value(field).(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Time reads a timestamp column, accepting time.Time and RFC3339 text
func (r Record) Time(field string) (time.Time, bool) {
	switch v := r.Value(field).(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, true
		}
	case []byte:
		if t, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Path reads a column, following dots into nested records when the row
// has no column by that exact name.
func (r Record) Path(path string) any {
	if v, ok := r[path]; ok {
		return v
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil
	}
	return r.Nested(head).Path(rest)
}

// Nested reads a nested record, e.g. one attached by a manual join
func (r Record) Nested(field string) Record {
	switch v := r.Value(field).(type) {
	case Record:
		return v
	case map[string]any:
		return Record(v)
	default:
		return nil
	}
}

// Clone returns a shallow copy so callers can attach fields without
// mutating rows shared with other consumers.
func (r Record) Clone() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Column collects one column across the set
func (rs RowSet) Column(field string) []any {
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Value(field))
	}
	return out
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint8:
		return decimal.NewFromInt(int64(n)), true
	case uint16:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint:
		return parseDecimal(strconv.FormatUint(uint64(n), 10))
	case uint64:
		return parseDecimal(strconv.FormatUint(n, 10))
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case json.Number:
		return parseDecimal(string(n))
	case string:
		return parseDecimal(n)
	case []byte:
		// lib/pq hands NUMERIC columns back as text
		return parseDecimal(string(n))
	case bool:
		if n {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	default:
		return decimal.Zero, false
	}
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// KeyString renders a join/lookup key so that 7, int64(7) and "7" compare equal
func KeyString(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, k != ""
	case []byte:
		return string(k), len(k) > 0
	case fmt.Stringer:
		return k.String(), true
	default:
		if d, ok := toDecimal(v); ok {
			return d.String(), true
		}
		return fmt.Sprint(v), true
	}
}
