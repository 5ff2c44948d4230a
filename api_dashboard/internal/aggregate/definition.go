package aggregate

import (
	"errors"
	"fmt"

	"frameworks/api_dashboard/internal/join"
	"frameworks/api_dashboard/internal/source"
)

// ReduceOp collapses a row set to one number
type ReduceOp string

const (
	ReduceSum     ReduceOp = "sum"
	ReduceCount   ReduceOp = "count"
	ReduceAverage ReduceOp = "average"
	ReduceMin     ReduceOp = "min"
	ReduceMax     ReduceOp = "max"
)

// FormulaOp combines reduced source values into the metric value
type FormulaOp string

const (
	FormulaTotal      FormulaOp = "total"
	FormulaRatio      FormulaOp = "ratio"
	FormulaDifference FormulaOp = "difference"
	FormulaPercentOf  FormulaOp = "percent_of"
)

// Reducer declares how a source's rows become a number. Where is applied
// in memory after joins, so it can test joined fields ("branches.is_active").
type Reducer struct {
	Op    ReduceOp       `yaml:"op" json:"op"`
	Field string         `yaml:"field,omitempty" json:"field,omitempty"`
	Where *source.Filter `yaml:"where,omitempty" json:"where,omitempty"`
}

// Source is one table read feeding a metric
type Source struct {
	Name      string          `yaml:"name" json:"name"`
	Table     string          `yaml:"table" json:"table"`
	Schema    string          `yaml:"schema,omitempty" json:"schema,omitempty"`
	TimeField string          `yaml:"time_field,omitempty" json:"time_field,omitempty"`
	Filters   []source.Filter `yaml:"filters,omitempty" json:"filters,omitempty"`
	Joins     []join.Spec     `yaml:"joins,omitempty" json:"joins,omitempty"`
	Reducer   Reducer         `yaml:"reducer" json:"reducer"`
}

// countOnly reports whether the source can be answered by a head-only count
func (s Source) countOnly() bool {
	return s.Reducer.Op == ReduceCount && s.Reducer.Where == nil && len(s.Joins) == 0
}

// Formula combines sources by name. Total over no terms sums every source.
// Scale multiplies the combined value when non-zero.
type Formula struct {
	Op    FormulaOp `yaml:"op" json:"op"`
	Terms []string  `yaml:"terms,omitempty" json:"terms,omitempty"`
	Scale float64   `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Definition describes one dashboard metric
type Definition struct {
	Name        string   `yaml:"name" json:"name"`
	Title       string   `yaml:"title,omitempty" json:"title,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Unit        string   `yaml:"unit,omitempty" json:"unit,omitempty"`
	Sources     []Source `yaml:"sources" json:"sources"`
	Formula     Formula  `yaml:"formula" json:"formula"`
	// Compare issues a second set of reads over the previous window.
	// Without it the previous value is a zero baseline.
	Compare bool `yaml:"compare,omitempty" json:"compare,omitempty"`
}

// Validate checks the definition is computable
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("metric name is required")
	}
	if len(d.Sources) == 0 {
		return fmt.Errorf("metric %s: at least one source is required", d.Name)
	}

	names := make(map[string]struct{}, len(d.Sources))
	for i, s := range d.Sources {
		if s.Name == "" {
			return fmt.Errorf("metric %s: source %d has no name", d.Name, i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("metric %s: duplicate source %q", d.Name, s.Name)
		}
		names[s.Name] = struct{}{}

		if s.Table == "" {
			return fmt.Errorf("metric %s: source %s has no table", d.Name, s.Name)
		}
		switch s.Reducer.Op {
		case ReduceCount:
		case ReduceSum, ReduceAverage, ReduceMin, ReduceMax:
			if s.Reducer.Field == "" {
				return fmt.Errorf("metric %s: source %s: %s needs a field", d.Name, s.Name, s.Reducer.Op)
			}
		default:
			return fmt.Errorf("metric %s: source %s: unknown reducer %q", d.Name, s.Name, s.Reducer.Op)
		}
		for _, j := range s.Joins {
			if err := j.Validate(); err != nil {
				return fmt.Errorf("metric %s: source %s: %w", d.Name, s.Name, err)
			}
		}
	}

	for _, term := range d.Formula.Terms {
		if _, ok := names[term]; !ok {
			return fmt.Errorf("metric %s: formula references unknown source %q", d.Name, term)
		}
	}
	switch d.Formula.Op {
	case FormulaTotal:
	case FormulaRatio, FormulaDifference, FormulaPercentOf:
		if len(d.Formula.Terms) != 2 {
			return fmt.Errorf("metric %s: %s needs exactly two terms", d.Name, d.Formula.Op)
		}
	default:
		return fmt.Errorf("metric %s: unknown formula %q", d.Name, d.Formula.Op)
	}
	return nil
}
