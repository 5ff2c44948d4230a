package aggregate

import (
	"context"

	"frameworks/api_dashboard/internal/source"
	"frameworks/pkg/clients"
)

// RetryingReader re-issues reads that failed with an *source.AccessError.
// The accessor makes one attempt per call; the engine opts into retries by
// reading through this wrapper. Unexposed tables come back as a condition,
// not an error, so they are never retried.
type RetryingReader struct {
	next Reader
	cfg  clients.RetryConfig
}

func NewRetryingReader(next Reader, cfg clients.RetryConfig) *RetryingReader {
	base := cfg.ShouldRetry
	if base == nil {
		base = clients.DefaultShouldRetry
	}
	cfg.ShouldRetry = func(err error) bool {
		return source.IsAccessError(err) && base(err)
	}
	return &RetryingReader{next: next, cfg: cfg}
}

func (r *RetryingReader) Read(ctx context.Context, table, schema string, projection []string, filters []source.Filter) (source.Result, error) {
	return clients.Execute(ctx, r.cfg, func(ctx context.Context) (source.Result, error) {
		return r.next.Read(ctx, table, schema, projection, filters)
	})
}

func (r *RetryingReader) Count(ctx context.Context, table, schema string, filters []source.Filter) (source.CountResult, error) {
	return clients.Execute(ctx, r.cfg, func(ctx context.Context) (source.CountResult, error) {
		return r.next.Count(ctx, table, schema, filters)
	})
}
