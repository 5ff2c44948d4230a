package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrSchemaNotExposed marks a read whose table or schema the backend does
// not expose. It means "no data", not failure; executors wrap it.
var ErrSchemaNotExposed = errors.New("schema not exposed")

// Condition tags a read result
type Condition string

const (
	ConditionOK               Condition = "ok"
	ConditionSchemaNotExposed Condition = "schema_not_exposed"
)

// AccessError is any read failure other than an unexposed schema
type AccessError struct {
	Op     string
	Schema string
	Table  string
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s %s.%s: %v", e.Op, e.Schema, e.Table, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// NotExposed wraps cause so that errors.Is(err, ErrSchemaNotExposed) holds
func NotExposed(cause error) error {
	if cause == nil {
		return ErrSchemaNotExposed
	}
	return fmt.Errorf("%w: %w", ErrSchemaNotExposed, cause)
}

// IsAccessError reports whether err carries an *AccessError
func IsAccessError(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae)
}

// IsBackendFailure is the circuit breaker failure predicate for source executors
func IsBackendFailure(err error) bool {
	return !errors.Is(err, ErrSchemaNotExposed) && !errors.Is(err, context.Canceled)
}
