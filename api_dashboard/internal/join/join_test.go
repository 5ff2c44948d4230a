package join

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frameworks/api_dashboard/internal/source"
)

type read struct {
	table, schema string
	projection    []string
	filters       []source.Filter
}

type fakeReader struct {
	mu    sync.Mutex
	rows  source.RowSet
	res   *source.Result
	err   error
	reads []read
}

func (f *fakeReader) Read(_ context.Context, table, schema string, projection []string, filters []source.Filter) (source.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, read{table, schema, projection, filters})
	if f.err != nil {
		return source.Result{}, f.err
	}
	if f.res != nil {
		return *f.res, nil
	}
	return source.Result{Table: table, Rows: f.rows, Condition: source.ConditionOK}, nil
}

var (
	branchJoin  = Spec{ForeignKey: "branch_id", TargetTable: "branches", TargetFields: []string{"name"}}
	branchNames = []string{"Riyadh", "Jeddah", "Dammam"}
)

func branchRows() source.RowSet {
	rows := make(source.RowSet, len(branchNames))
	for i, name := range branchNames {
		rows[i] = source.Record{"id": i, "name": name}
	}
	return rows
}

func TestAttach_EmptyInputFetchesNothing(t *testing.T) {
	reader := &fakeReader{}
	out := New(Config{Reader: reader}).Attach(context.Background(), source.RowSet{}, branchJoin)

	assert.Empty(t, out)
	assert.Empty(t, reader.reads)
}

func TestAttach_NoForeignKeysFetchesNothing(t *testing.T) {
	reader := &fakeReader{}
	rows := source.RowSet{{"id": 1}, {"id": 2, "branch_id": nil}}
	out := New(Config{Reader: reader}).Attach(context.Background(), rows, branchJoin)

	assert.Equal(t, rows, out)
	assert.Empty(t, reader.reads)
}

func TestAttach_SingleFetchRegardlessOfRowCount(t *testing.T) {
	for _, n := range []int{1, 10000} {
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			reader := &fakeReader{rows: branchRows()}
			rows := make(source.RowSet, n)
			for i := range rows {
				rows[i] = source.Record{"id": i, "branch_id": i % 3}
			}

			out := New(Config{Reader: reader}).Attach(context.Background(), rows, branchJoin)

			require.Len(t, reader.reads, 1)
			f := reader.reads[0].filters
			require.Len(t, f, 1)
			assert.Equal(t, source.OpIn, f[0].Op)
			assert.Equal(t, "id", f[0].Field)
			assert.Len(t, f[0].Value, min(n, 3))

			require.Len(t, out, n)
			for i, row := range out {
				assert.Equal(t, branchNames[i%3], row.Nested("branches").String("name"))
			}
		})
	}
}

func TestAttach_ProjectionIncludesTargetKey(t *testing.T) {
	reader := &fakeReader{rows: branchRows()}
	New(Config{Reader: reader}).Attach(context.Background(), source.RowSet{{"branch_id": 1}}, branchJoin)

	require.Len(t, reader.reads, 1)
	assert.Equal(t, []string{"name", "id"}, reader.reads[0].projection)
	assert.Equal(t, "branches", reader.reads[0].table)
}

func TestAttach_MixedKeyTypesMatch(t *testing.T) {
	reader := &fakeReader{rows: source.RowSet{{"id": "1", "name": "Jeddah"}}}
	rows := source.RowSet{{"branch_id": 1}, {"branch_id": int64(1)}, {"branch_id": "1"}, {"branch_id": 9}}

	out := New(Config{Reader: reader}).Attach(context.Background(), rows, branchJoin)

	require.Len(t, reader.reads, 1)
	assert.Len(t, reader.reads[0].filters[0].Value, 2)
	for _, row := range out[:3] {
		assert.Equal(t, "Jeddah", row.Nested("branches").String("name"))
	}
	assert.Contains(t, out[3], "branches")
	assert.Nil(t, out[3]["branches"])
}

func TestAttach_FailureAttachesNullEverywhere(t *testing.T) {
	tests := []struct {
		name   string
		reader *fakeReader
	}{
		{"access error", &fakeReader{err: &source.AccessError{Op: "read", Table: "branches", Err: errors.New("timeout")}}},
		{"not exposed", &fakeReader{res: &source.Result{Table: "branches", Rows: source.RowSet{}, Condition: source.ConditionSchemaNotExposed}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var statuses []string
			r := New(Config{Reader: tt.reader, OnFetch: func(_, status string) { statuses = append(statuses, status) }})
			rows := source.RowSet{{"id": 1, "branch_id": 1}, {"id": 2, "branch_id": 2}}

			out := r.Attach(context.Background(), rows, branchJoin)

			require.Len(t, out, 2)
			for _, row := range out {
				assert.Contains(t, row, "branches")
				assert.Nil(t, row["branches"])
			}
			assert.Len(t, statuses, 1)
			assert.NotEqual(t, "ok", statuses[0])
		})
	}
}

func TestAttach_DoesNotMutateInput(t *testing.T) {
	reader := &fakeReader{rows: branchRows()}
	rows := source.RowSet{{"id": 1, "branch_id": 1}}

	out := New(Config{Reader: reader}).Attach(context.Background(), rows, branchJoin)

	assert.NotContains(t, rows[0], "branches")
	assert.Contains(t, out[0], "branches")
}

func TestAttach_CustomKeyAndField(t *testing.T) {
	reader := &fakeReader{rows: source.RowSet{{"customer_id": "C7", "full_name": "Noura"}}}
	spec := Spec{
		ForeignKey:   "customer_id",
		TargetTable:  "customers",
		TargetKey:    "customer_id",
		TargetSchema: "kastle_banking",
		As:           "customer",
	}

	out := New(Config{Reader: reader}).Attach(context.Background(), source.RowSet{{"customer_id": "C7"}}, spec)

	assert.Equal(t, "Noura", out[0].Nested("customer").String("full_name"))
	assert.Equal(t, "kastle_banking", reader.reads[0].schema)
	assert.Nil(t, reader.reads[0].projection)
}

func TestAttachAll_AppliesSequentially(t *testing.T) {
	reader := &fakeReader{rows: source.RowSet{{"id": 1, "name": "shared"}}}
	specs := []Spec{
		{ForeignKey: "branch_id", TargetTable: "branches"},
		{ForeignKey: "product_id", TargetTable: "products"},
	}
	rows := source.RowSet{{"branch_id": 1, "product_id": 1}}

	out := New(Config{Reader: reader}).AttachAll(context.Background(), rows, specs...)

	assert.Len(t, reader.reads, 2)
	assert.NotNil(t, out[0].Nested("branches"))
	assert.NotNil(t, out[0].Nested("products"))
}

func TestSpec_Validate(t *testing.T) {
	assert.NoError(t, branchJoin.Validate())
	assert.Error(t, Spec{TargetTable: "x"}.Validate())
	assert.Error(t, Spec{ForeignKey: "x"}.Validate())
	assert.Equal(t, "id", Spec{}.Key())
	assert.Equal(t, "branches", branchJoin.Field())
}
