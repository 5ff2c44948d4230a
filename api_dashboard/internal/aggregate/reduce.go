package aggregate

import (
	"github.com/shopspring/decimal"

	"frameworks/api_dashboard/internal/source"
)

var hundred = decimal.NewFromInt(100)

// Reduce applies r to rows. An empty (or fully filtered) set is zero.
func Reduce(r Reducer, rows source.RowSet) decimal.Decimal {
	var (
		total decimal.Decimal
		n     int64
		best  decimal.Decimal
		seen  bool
	)
	for _, row := range rows {
		if r.Where != nil && !r.Where.Matches(row) {
			continue
		}
		n++
		if r.Op == ReduceCount {
			continue
		}

		v := row.Decimal(r.Field)
		total = total.Add(v)
		switch {
		case !seen:
			best, seen = v, true
		case r.Op == ReduceMin && v.LessThan(best):
			best = v
		case r.Op == ReduceMax && v.GreaterThan(best):
			best = v
		}
	}

	switch r.Op {
	case ReduceCount:
		return decimal.NewFromInt(n)
	case ReduceSum:
		return total
	case ReduceAverage:
		if n == 0 {
			return decimal.Zero
		}
		return total.Div(decimal.NewFromInt(n))
	case ReduceMin, ReduceMax:
		return best
	default:
		return decimal.Zero
	}
}

// Combine evaluates f over the reduced source values
func Combine(f Formula, values map[string]decimal.Decimal, order []string) decimal.Decimal {
	var out decimal.Decimal
	switch f.Op {
	case FormulaTotal:
		terms := f.Terms
		if len(terms) == 0 {
			terms = order
		}
		for _, t := range terms {
			out = out.Add(values[t])
		}
	case FormulaRatio:
		out = ratio(values[f.Terms[0]], values[f.Terms[1]])
	case FormulaPercentOf:
		out = ratio(values[f.Terms[0]], values[f.Terms[1]]).Mul(hundred)
	case FormulaDifference:
		out = values[f.Terms[0]].Sub(values[f.Terms[1]])
	}
	if f.Scale != 0 {
		out = out.Mul(decimal.NewFromFloat(f.Scale))
	}
	return out
}

// ratio is zero when the denominator is zero
func ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}
