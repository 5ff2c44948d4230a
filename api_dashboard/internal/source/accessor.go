// Package source reads rows from logical tables spread across backend
// schemas and classifies failures so dashboards can degrade instead of
// aborting.
package source

import (
	"context"
	"errors"
	"time"

	"frameworks/pkg/logging"
)

// Query is what the accessor hands to the backend
type Query struct {
	Schema  string
	Table   string
	Columns []string
	Filters []Filter
	Limit   uint64
}

// Executor is the query-execution collaborator. Implementations must wrap
// ErrSchemaNotExposed (see NotExposed) when the relation is unreachable.
type Executor interface {
	Select(ctx context.Context, q Query) (RowSet, error)
	Count(ctx context.Context, q Query) (int64, error)
}

// Location is the physical placement of a logical table
type Location struct {
	Schema string `yaml:"schema" json:"schema"`
	Table  string `yaml:"table" json:"table"`
}

// TableMap maps logical table names to their physical location. Tables not
// listed keep their name and live in the accessor's default schema.
type TableMap map[string]Location

// Result is the outcome of a read that did not fail hard
type Result struct {
	Schema    string
	Table     string
	Rows      RowSet
	Condition Condition
}

// NotExposed reports whether the table was unreachable
func (r Result) NotExposed() bool { return r.Condition == ConditionSchemaNotExposed }

// CountResult is the outcome of a head-only count
type CountResult struct {
	N         int64
	Condition Condition
}

// Config configures an Accessor
type Config struct {
	Executor      Executor
	DefaultSchema string
	Tables        TableMap
	Logger        logging.Logger

	// OnRead observes every backend call: status is ok, not_exposed or error.
	OnRead func(table, status string, elapsed time.Duration)
}

// Accessor executes reads against logical tables. It keeps no state between
// calls and never retries; retry policy belongs to whoever builds the Executor.
type Accessor struct {
	exec          Executor
	defaultSchema string
	tables        TableMap
	logger        logging.Logger
	onRead        func(table, status string, elapsed time.Duration)
}

// New creates an accessor
func New(cfg Config) *Accessor {
	return &Accessor{
		exec:          cfg.Executor,
		defaultSchema: cfg.DefaultSchema,
		tables:        cfg.Tables,
		logger:        logging.OrDiscard(cfg.Logger),
		onRead:        cfg.OnRead,
	}
}

// Locate resolves a logical table and optional schema override
func (a *Accessor) Locate(table, schema string) Location {
	loc := Location{Schema: a.defaultSchema, Table: table}
	if mapped, ok := a.tables[table]; ok {
		if mapped.Table != "" {
			loc.Table = mapped.Table
		}
		if mapped.Schema != "" {
			loc.Schema = mapped.Schema
		}
	}
	if schema != "" {
		loc.Schema = schema
	}
	return loc
}

// Read issues a single select. An unexposed table yields a Result tagged
// ConditionSchemaNotExposed and a nil error; every other failure is an *AccessError.
func (a *Accessor) Read(ctx context.Context, table, schema string, projection []string, filters []Filter) (Result, error) {
	loc := a.Locate(table, schema)
	q := Query{Schema: loc.Schema, Table: loc.Table, Columns: projection, Filters: filters}

	start := time.Now()
	rows, err := a.exec.Select(ctx, q)
	status := a.observe(loc, err, start)

	switch status {
	case "ok":
		if rows == nil {
			rows = RowSet{}
		}
		return Result{Schema: loc.Schema, Table: loc.Table, Rows: rows, Condition: ConditionOK}, nil
	case "not_exposed":
		return Result{Schema: loc.Schema, Table: loc.Table, Rows: RowSet{}, Condition: ConditionSchemaNotExposed}, nil
	default:
		return Result{Schema: loc.Schema, Table: loc.Table}, &AccessError{Op: "read", Schema: loc.Schema, Table: loc.Table, Err: err}
	}
}

// Count is the head-only variant of Read: no row bodies are transferred.
// A reachable but empty table counts 0 with ConditionOK.
func (a *Accessor) Count(ctx context.Context, table, schema string, filters []Filter) (CountResult, error) {
	loc := a.Locate(table, schema)
	q := Query{Schema: loc.Schema, Table: loc.Table, Filters: filters}

	start := time.Now()
	n, err := a.exec.Count(ctx, q)
	switch a.observe(loc, err, start) {
	case "ok":
		return CountResult{N: n, Condition: ConditionOK}, nil
	case "not_exposed":
		return CountResult{Condition: ConditionSchemaNotExposed}, nil
	default:
		return CountResult{}, &AccessError{Op: "count", Schema: loc.Schema, Table: loc.Table, Err: err}
	}
}

func (a *Accessor) observe(loc Location, err error, start time.Time) string {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrSchemaNotExposed):
		status = "not_exposed"
		a.logger.WithFields(logging.Fields{
			"schema": loc.Schema,
			"table":  loc.Table,
		}).Debug("Table not exposed by backend")
	default:
		status = "error"
		a.logger.WithFields(logging.Fields{
			"schema": loc.Schema,
			"table":  loc.Table,
			"error":  err,
		}).Warn("Table read failed")
	}
	if a.onRead != nil {
		a.onRead(loc.Table, status, time.Since(start))
	}
	return status
}
