package aggregate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"frameworks/api_dashboard/internal/source"
)

func TestReduce(t *testing.T) {
	rows := source.RowSet{
		{"amount": "10.10", "status": "ACTIVE"},
		{"amount": 20, "status": "CLOSED"},
		{"amount": 0.2, "status": "ACTIVE"},
		{"status": "ACTIVE"},
	}
	active := &source.Filter{Field: "status", Op: source.OpEq, Value: "ACTIVE"}

	tests := []struct {
		name    string
		reducer Reducer
		rows    source.RowSet
		want    string
	}{
		{"sum keeps precision", Reducer{Op: ReduceSum, Field: "amount"}, rows, "30.3"},
		{"sum with where", Reducer{Op: ReduceSum, Field: "amount", Where: active}, rows, "10.3"},
		{"count", Reducer{Op: ReduceCount}, rows, "4"},
		{"count with where", Reducer{Op: ReduceCount, Where: active}, rows, "3"},
		{"average", Reducer{Op: ReduceAverage, Field: "amount", Where: active}, rows[:3], "5.15"},
		{"min", Reducer{Op: ReduceMin, Field: "amount"}, rows[:3], "0.2"},
		{"max", Reducer{Op: ReduceMax, Field: "amount"}, rows, "20"},
		{"empty sum", Reducer{Op: ReduceSum, Field: "amount"}, nil, "0"},
		{"empty average", Reducer{Op: ReduceAverage, Field: "amount"}, source.RowSet{}, "0"},
		{"empty max", Reducer{Op: ReduceMax, Field: "amount"}, nil, "0"},
		{"missing column", Reducer{Op: ReduceSum, Field: "nope"}, rows, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reduce(tt.reducer, tt.rows).String())
		})
	}
}

func TestCombine(t *testing.T) {
	values := map[string]decimal.Decimal{
		"a": decimal.NewFromInt(30),
		"b": decimal.NewFromInt(120),
		"z": decimal.Zero,
	}
	order := []string{"a", "b", "z"}

	tests := []struct {
		name    string
		formula Formula
		want    string
	}{
		{"total of all", Formula{Op: FormulaTotal}, "150"},
		{"total of terms", Formula{Op: FormulaTotal, Terms: []string{"b"}}, "120"},
		{"ratio", Formula{Op: FormulaRatio, Terms: []string{"a", "b"}}, "0.25"},
		{"ratio zero denominator", Formula{Op: FormulaRatio, Terms: []string{"a", "z"}}, "0"},
		{"percent of", Formula{Op: FormulaPercentOf, Terms: []string{"a", "b"}}, "25"},
		{"difference", Formula{Op: FormulaDifference, Terms: []string{"a", "b"}}, "-90"},
		{"scaled", Formula{Op: FormulaTotal, Terms: []string{"a"}, Scale: 0.001}, "0.03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Combine(tt.formula, values, order).String())
		})
	}
}
