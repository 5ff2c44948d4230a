package source

import (
	"context"
	"fmt"
	"sync"
)

// fakeExecutor serves canned rows keyed by "schema.table". Unknown tables
// are reported as not exposed.
type fakeExecutor struct {
	mu      sync.Mutex
	tables  map[string]RowSet
	errs    map[string][]error
	queries []Query
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{tables: map[string]RowSet{}, errs: map[string][]error{}}
}

func (f *fakeExecutor) with(schema, table string, rows ...Record) *fakeExecutor {
	f.tables[schema+"."+table] = RowSet(rows)
	return f
}

// failing queues errors returned before the table's rows
func (f *fakeExecutor) failing(schema, table string, errs ...error) *fakeExecutor {
	f.errs[schema+"."+table] = append(f.errs[schema+"."+table], errs...)
	return f
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeExecutor) lookup(q Query) (RowSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	key := q.Schema + "." + q.Table
	if queued := f.errs[key]; len(queued) > 0 {
		f.errs[key] = queued[1:]
		return nil, queued[0]
	}
	rows, ok := f.tables[key]
	if !ok {
		return nil, NotExposed(fmt.Errorf("relation %s does not exist", key))
	}
	return rows, nil
}

func (f *fakeExecutor) Select(_ context.Context, q Query) (RowSet, error) {
	rows, err := f.lookup(q)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && uint64(len(rows)) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (f *fakeExecutor) Count(_ context.Context, q Query) (int64, error) {
	rows, err := f.lookup(q)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}
