package realtime

import (
	"fmt"
	"strings"

	"frameworks/api_dashboard/internal/source"
)

// ChannelKey identifies one logical subscription. It is comparable and used
// directly as a map key.
type ChannelKey struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	// Filter is a row filter expression such as "branch_id=eq.1"
	Filter string `json:"filter,omitempty"`
}

// String is the channel name, schema_table[_filter]
func (k ChannelKey) String() string {
	name := k.Schema + "_" + k.Table
	if k.Filter != "" {
		name += "_" + k.Filter
	}
	return name
}

func (k ChannelKey) Validate() error {
	if k.Table == "" {
		return fmt.Errorf("channel key: table is required")
	}
	if _, err := ParseFilter(k.Filter); err != nil {
		return err
	}
	return nil
}

// FilterExpr is a parsed row filter. The zero value matches every record.
type FilterExpr struct {
	filter *source.Filter
}

var filterOps = map[string]source.Op{
	"eq":  source.OpEq,
	"neq": source.OpNeq,
	"gt":  source.OpGt,
	"gte": source.OpGte,
	"lt":  source.OpLt,
	"lte": source.OpLte,
	"in":  source.OpIn,
}

// ParseFilter parses "column=op.value"; in takes a list: "status=in.(ACTIVE,DORMANT)".
// An empty expression matches everything.
func ParseFilter(expr string) (FilterExpr, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return FilterExpr{}, nil
	}

	column, rest, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return FilterExpr{}, fmt.Errorf("filter %q: expected column=op.value", expr)
	}
	opName, value, ok := strings.Cut(rest, ".")
	if !ok {
		return FilterExpr{}, fmt.Errorf("filter %q: expected op.value", expr)
	}
	op, known := filterOps[opName]
	if !known {
		return FilterExpr{}, fmt.Errorf("filter %q: unsupported operator %q", expr, opName)
	}

	f := source.Filter{Field: strings.TrimSpace(column), Op: op, Value: value}
	if op == source.OpIn {
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return FilterExpr{}, fmt.Errorf("filter %q: in expects a parenthesised list", expr)
		}
		var values []any
		for _, v := range strings.Split(value[1:len(value)-1], ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		f.Value = values
	}
	return FilterExpr{filter: &f}, nil
}

// Filter returns the parsed predicate, nil for match-all
func (e FilterExpr) Filter() *source.Filter { return e.filter }

func (e FilterExpr) Matches(r source.Record) bool {
	return e.filter == nil || e.filter.Matches(r)
}
