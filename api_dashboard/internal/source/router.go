package source

import (
	"context"
	"fmt"
)

// Router dispatches queries to a backend by schema. Schemas without a route
// go to the fallback executor.
type Router struct {
	routes   map[string]Executor
	fallback Executor
}

func NewRouter(fallback Executor) *Router {
	return &Router{routes: make(map[string]Executor), fallback: fallback}
}

// Route sends every query for schema to exec. Not safe to call once the
// router is serving.
func (r *Router) Route(schema string, exec Executor) *Router {
	r.routes[schema] = exec
	return r
}

func (r *Router) pick(schema string) (Executor, error) {
	if exec, ok := r.routes[schema]; ok {
		return exec, nil
	}
	if r.fallback == nil {
		return nil, NotExposed(fmt.Errorf("no backend serves schema %q", schema))
	}
	return r.fallback, nil
}

func (r *Router) Select(ctx context.Context, q Query) (RowSet, error) {
	exec, err := r.pick(q.Schema)
	if err != nil {
		return nil, err
	}
	return exec.Select(ctx, q)
}

func (r *Router) Count(ctx context.Context, q Query) (int64, error) {
	exec, err := r.pick(q.Schema)
	if err != nil {
		return 0, err
	}
	return exec.Count(ctx, q)
}
