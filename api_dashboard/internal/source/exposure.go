package source

import (
	"context"
	"errors"
	"time"

	"frameworks/pkg/cache"
)

// ExposureCache answers "is this table exposed?" with a one-row read,
// remembering the answer for a while so dashboards don't re-check on every
// request.
type ExposureCache struct {
	accessor *Accessor
	cache    *cache.Cache[bool]
}

// NewExposureCache creates an exposure cache; ttl <= 0 defaults to five minutes
func NewExposureCache(a *Accessor, ttl time.Duration) *ExposureCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ExposureCache{
		accessor: a,
		cache:    cache.New[bool](cache.Options{TTL: ttl, MaxEntries: 512}, cache.MetricsHooks{}),
	}
}

// Exposed reports whether the table can be read. Access errors are returned
// and not remembered.
func (p *ExposureCache) Exposed(ctx context.Context, table, schema string) (bool, error) {
	loc := p.accessor.Locate(table, schema)
	return p.cache.Get(ctx, loc.Schema+"."+loc.Table, func(ctx context.Context, _ string) (bool, error) {
		_, err := p.accessor.exec.Select(ctx, Query{Schema: loc.Schema, Table: loc.Table, Limit: 1})
		if err == nil {
			return true, nil
		}
		if errors.Is(err, ErrSchemaNotExposed) {
			return false, nil
		}
		return false, &AccessError{Op: "exposure", Schema: loc.Schema, Table: loc.Table, Err: err}
	})
}
