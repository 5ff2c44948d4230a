// Package join attaches related records to a row set in the application
// when the backend cannot join across schemas. Each join is one batched
// read regardless of how many primary rows reference the target.
package join

import (
	"context"
	"errors"

	"frameworks/api_dashboard/internal/source"
	"frameworks/pkg/logging"
)

// Spec declares one manual join
type Spec struct {
	ForeignKey   string   `yaml:"foreign_key" json:"foreign_key"`
	TargetTable  string   `yaml:"target_table" json:"target_table"`
	TargetKey    string   `yaml:"target_key,omitempty" json:"target_key,omitempty"`
	TargetFields []string `yaml:"target_fields,omitempty" json:"target_fields,omitempty"`
	TargetSchema string   `yaml:"target_schema,omitempty" json:"target_schema,omitempty"`
	// As names the attached field; defaults to TargetTable
	As string `yaml:"as,omitempty" json:"as,omitempty"`
}

// Key is the target column matched against ForeignKey
func (s Spec) Key() string {
	if s.TargetKey == "" {
		return "id"
	}
	return s.TargetKey
}

// Field is where the matched record is attached on each primary row
func (s Spec) Field() string {
	if s.As == "" {
		return s.TargetTable
	}
	return s.As
}

// Projection is TargetFields plus the target key, or nil for every column
func (s Spec) Projection() []string {
	if len(s.TargetFields) == 0 {
		return nil
	}
	key := s.Key()
	for _, f := range s.TargetFields {
		if f == key {
			return s.TargetFields
		}
	}
	return append(append([]string{}, s.TargetFields...), key)
}

func (s Spec) Validate() error {
	if s.ForeignKey == "" {
		return errors.New("join: foreign_key is required")
	}
	if s.TargetTable == "" {
		return errors.New("join: target_table is required")
	}
	return nil
}

// Reader is the read side of source.Accessor
type Reader interface {
	Read(ctx context.Context, table, schema string, projection []string, filters []source.Filter) (source.Result, error)
}

type Config struct {
	Reader Reader
	Logger logging.Logger
	// OnFetch observes every target fetch: status is ok, not_exposed or error
	OnFetch func(table, status string)
}

// Resolver performs manual joins. It holds no state between calls.
type Resolver struct {
	reader  Reader
	logger  logging.Logger
	onFetch func(table, status string)
}

func New(cfg Config) *Resolver {
	return &Resolver{
		reader:  cfg.Reader,
		logger:  logging.OrDiscard(cfg.Logger),
		onFetch: cfg.OnFetch,
	}
}

// Attach returns a copy of rows with the matching target record (or nil)
// under spec.Field(). Empty input, or input without any foreign key value,
// comes back unchanged and nothing is fetched. A failed or unexposed target
// attaches nil everywhere.
func (r *Resolver) Attach(ctx context.Context, rows source.RowSet, spec Spec) source.RowSet {
	if len(rows) == 0 {
		return rows
	}

	keys := distinctKeys(rows, spec.ForeignKey)
	if len(keys) == 0 {
		return rows
	}

	lookup, status := r.fetch(ctx, spec, keys)
	if r.onFetch != nil {
		r.onFetch(spec.TargetTable, status)
	}

	field := spec.Field()
	out := make(source.RowSet, len(rows))
	for i, row := range rows {
		c := row.Clone()
		c[field] = nil
		if k, ok := source.KeyString(row.Value(spec.ForeignKey)); ok {
			if match, found := lookup[k]; found {
				c[field] = match
			}
		}
		out[i] = c
	}
	return out
}

// AttachAll applies specs in order, so later joins can key on fields
// attached by earlier ones only through their own foreign keys.
func (r *Resolver) AttachAll(ctx context.Context, rows source.RowSet, specs ...Spec) source.RowSet {
	for _, spec := range specs {
		rows = r.Attach(ctx, rows, spec)
	}
	return rows
}

func (r *Resolver) fetch(ctx context.Context, spec Spec, keys []any) (map[string]source.Record, string) {
	fields := logging.Fields{
		"table":       spec.TargetTable,
		"schema":      spec.TargetSchema,
		"foreign_key": spec.ForeignKey,
		"keys":        len(keys),
	}

	res, err := r.reader.Read(ctx, spec.TargetTable, spec.TargetSchema, spec.Projection(), []source.Filter{source.In(spec.Key(), keys)})
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("Join target fetch failed, attaching nulls")
		return nil, "error"
	}
	if res.NotExposed() {
		r.logger.WithFields(fields).Info("Join target not exposed, attaching nulls")
		return nil, "not_exposed"
	}

	key := spec.Key()
	lookup := make(map[string]source.Record, len(res.Rows))
	for _, rec := range res.Rows {
		k, ok := source.KeyString(rec.Value(key))
		if !ok {
			continue
		}
		if _, dup := lookup[k]; !dup {
			lookup[k] = rec
		}
	}
	return lookup, "ok"
}

// distinctKeys collects non-null foreign key values in first-seen order
func distinctKeys(rows source.RowSet, field string) []any {
	seen := make(map[string]struct{})
	var keys []any
	for _, row := range rows {
		v := row.Value(field)
		k, ok := source.KeyString(v)
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, v)
	}
	return keys
}
