package source

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Op is a filter comparison operator
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// Filter is one predicate of a read. Filters on a read are ANDed.
type Filter struct {
	Field string `json:"field" yaml:"field"`
	Op    Op     `json:"op" yaml:"op"`
	Value any    `json:"value" yaml:"value"`
}

func Eq(field string, value any) Filter  { return Filter{Field: field, Op: OpEq, Value: value} }
func Neq(field string, value any) Filter { return Filter{Field: field, Op: OpNeq, Value: value} }
func Gt(field string, value any) Filter  { return Filter{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Filter { return Filter{Field: field, Op: OpGte, Value: value} }
func Lt(field string, value any) Filter  { return Filter{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value any) Filter { return Filter{Field: field, Op: OpLte, Value: value} }

// In matches any of values
func In(field string, values []any) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

// Between bounds field to the half-open interval [start, end)
func Between(field string, start, end time.Time) []Filter {
	return []Filter{Gte(field, start), Lt(field, end)}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s=%s.%v", f.Field, f.Op, f.Value)
}

// sqlizer turns the filter into a squirrel predicate on the quoted column
func (f Filter) sqlizer(column string) (sq.Sqlizer, error) {
	switch f.Op {
	case OpEq, "":
		return sq.Eq{column: f.Value}, nil
	case OpNeq:
		return sq.NotEq{column: f.Value}, nil
	case OpGt:
		return sq.Gt{column: f.Value}, nil
	case OpGte:
		return sq.GtOrEq{column: f.Value}, nil
	case OpLt:
		return sq.Lt{column: f.Value}, nil
	case OpLte:
		return sq.LtOrEq{column: f.Value}, nil
	case OpIn:
		values, ok := f.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("filter %s: in expects a list, got %T", f.Field, f.Value)
		}
		// squirrel renders an empty list as (1=0)
		return sq.Eq{column: values}, nil
	default:
		return nil, fmt.Errorf("filter %s: unsupported operator %q", f.Field, f.Op)
	}
}

// Matches evaluates the filter against an in-memory record. Field may be a
// dotted path into records attached by joins ("branches.region").
// Numbers compare numerically, timestamps chronologically, anything else as text.
func (f Filter) Matches(r Record) bool {
	v := r.Path(f.Field)
	switch f.Op {
	case OpEq, "":
		return equalValues(v, f.Value)
	case OpNeq:
		return !equalValues(v, f.Value)
	case OpIn:
		values, _ := f.Value.([]any)
		for _, candidate := range values {
			if equalValues(v, candidate) {
				return true
			}
		}
		return false
	}

	c, ok := compareValues(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compareValues(a, b)
	return ok && c == 0
}

func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db), true
		}
	}
	ta, aok := Record{"v": a}.Time("v")
	tb, bok := Record{"v": b}.Time("v")
	if aok && bok {
		return ta.Compare(tb), true
	}
	sa, _ := KeyString(a)
	sb, _ := KeyString(b)
	return strings.Compare(sa, sb), true
}
