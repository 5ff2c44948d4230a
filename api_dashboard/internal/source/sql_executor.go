package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// Queryer is the subset of *sql.DB the executor needs
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect captures what differs between SQL backends
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	Quote       func(ident string) string
	// Classify returns NotExposed(err) for "relation not reachable" errors
	// and err unchanged otherwise.
	Classify func(err error) error
}

// Postgres classifies undefined_table and invalid_schema_name as not exposed
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: sq.Dollar,
	Quote:       pq.QuoteIdentifier,
	Classify: func(err error) error {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "42P01", "3F000":
				return NotExposed(err)
			}
		}
		return err
	},
}

// ClickHouse classifies UNKNOWN_TABLE (60) and UNKNOWN_DATABASE (81) as not exposed
var ClickHouse = Dialect{
	Name:        "clickhouse",
	Placeholder: sq.Question,
	Quote: func(ident string) string {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	},
	Classify: func(err error) error {
		var exc *clickhouse.Exception
		if errors.As(err, &exc) {
			switch exc.Code {
			case 60, 81:
				return NotExposed(err)
			}
		}
		return err
	},
}

// SQLExecutor runs accessor queries against a database/sql connection
type SQLExecutor struct {
	db      Queryer
	dialect Dialect
	builder sq.StatementBuilderType
}

// NewSQLExecutor creates an executor for db speaking dialect
func NewSQLExecutor(db Queryer, dialect Dialect) *SQLExecutor {
	return &SQLExecutor{
		db:      db,
		dialect: dialect,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
	}
}

func NewPostgresExecutor(db Queryer) *SQLExecutor   { return NewSQLExecutor(db, Postgres) }
func NewClickHouseExecutor(db Queryer) *SQLExecutor { return NewSQLExecutor(db, ClickHouse) }

func (e *SQLExecutor) relation(q Query) string {
	if q.Schema == "" {
		return e.dialect.Quote(q.Table)
	}
	return e.dialect.Quote(q.Schema) + "." + e.dialect.Quote(q.Table)
}

func (e *SQLExecutor) where(b sq.SelectBuilder, filters []Filter) (sq.SelectBuilder, error) {
	for _, f := range filters {
		pred, err := f.sqlizer(e.dialect.Quote(f.Field))
		if err != nil {
			return b, err
		}
		b = b.Where(pred)
	}
	return b, nil
}

// SelectSQL renders the statement Select would run
func (e *SQLExecutor) SelectSQL(q Query) (string, []any, error) {
	cols := []string{"*"}
	if len(q.Columns) > 0 {
		cols = make([]string, len(q.Columns))
		for i, c := range q.Columns {
			cols[i] = e.dialect.Quote(c)
		}
	}
	b := e.builder.Select(cols...).From(e.relation(q))
	b, err := e.where(b, q.Filters)
	if err != nil {
		return "", nil, err
	}
	if q.Limit > 0 {
		b = b.Limit(q.Limit)
	}
	return b.ToSql()
}

// CountSQL renders the head-only statement Count would run
func (e *SQLExecutor) CountSQL(q Query) (string, []any, error) {
	b := e.builder.Select("COUNT(*)").From(e.relation(q))
	b, err := e.where(b, q.Filters)
	if err != nil {
		return "", nil, err
	}
	return b.ToSql()
}

func (e *SQLExecutor) Select(ctx context.Context, q Query) (RowSet, error) {
	query, args, err := e.SelectSQL(q)
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, e.dialect.Classify(err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, e.dialect.Classify(err)
	}
	return out, nil
}

func (e *SQLExecutor) Count(ctx context.Context, q Query) (int64, error) {
	query, args, err := e.CountSQL(q)
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int64
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, e.dialect.Classify(err)
	}
	return n, nil
}

func scanRows(rows *sql.Rows) (RowSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := RowSet{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
