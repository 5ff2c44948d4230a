// Package aggregate computes dashboard metrics from declarative
// definitions: it reads every source for the requested period (and the
// period before it), joins, reduces and combines, degrading instead of
// failing when a source cannot be read.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"frameworks/api_dashboard/internal/join"
	"frameworks/api_dashboard/internal/period"
	"frameworks/api_dashboard/internal/source"
	"frameworks/pkg/logging"
)

// Reader is the accessor surface the engine reads through
type Reader interface {
	Read(ctx context.Context, table, schema string, projection []string, filters []source.Filter) (source.Result, error)
	Count(ctx context.Context, table, schema string, filters []source.Filter) (source.CountResult, error)
}

// Joiner attaches joined records; *join.Resolver implements it
type Joiner interface {
	AttachAll(ctx context.Context, rows source.RowSet, specs ...join.Spec) source.RowSet
}

// FailureKind classifies why a source contributed zero
type FailureKind string

const (
	FailureSchemaNotExposed  FailureKind = "schema_not_exposed"
	FailureAccessError       FailureKind = "access_error"
	FailureInvalidDefinition FailureKind = "invalid_definition"
)

// SourceFailure records one source read that did not contribute data
type SourceFailure struct {
	Source string      `json:"source"`
	Window string      `json:"window"`
	Kind   FailureKind `json:"kind"`
	Error  string      `json:"error,omitempty"`
}

// Result is a computed metric. Degraded results still carry the best-effort
// value computed from the sources that succeeded.
type Result struct {
	Metric         string                     `json:"metric"`
	Value          decimal.Decimal            `json:"value"`
	PreviousValue  decimal.Decimal            `json:"previous_value"`
	ChangePercent  decimal.Decimal            `json:"change_percent"`
	Trend          period.Trend               `json:"trend"`
	Degraded       bool                       `json:"degraded"`
	Failures       []SourceFailure            `json:"failures,omitempty"`
	Compared       bool                       `json:"compared"`
	Window         period.Window              `json:"window"`
	PreviousWindow period.Window              `json:"previous_window"`
	Sources        map[string]decimal.Decimal `json:"sources"`
}

// MarshalJSON writes amounts as JSON numbers. decimal.Decimal quotes itself
// by default and dashboards do arithmetic on these fields.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	sources := make(map[string]json.Number, len(r.Sources))
	for name, v := range r.Sources {
		sources[name] = json.Number(v.String())
	}
	return json.Marshal(struct {
		plain
		Value         json.Number            `json:"value"`
		PreviousValue json.Number            `json:"previous_value"`
		ChangePercent json.Number            `json:"change_percent"`
		Sources       map[string]json.Number `json:"sources"`
	}{
		plain:         plain(r),
		Value:         json.Number(r.Value.String()),
		PreviousValue: json.Number(r.PreviousValue.String()),
		ChangePercent: json.Number(r.ChangePercent.String()),
		Sources:       sources,
	})
}

type Config struct {
	Reader  Reader
	Joiner  Joiner
	Periods *period.Resolver
	Logger  logging.Logger

	// OnCompute observes every ComputeMetric: status is ok, degraded or invalid
	OnCompute func(metric, status string, elapsed time.Duration)
}

// Engine computes metrics. It is safe for concurrent use.
type Engine struct {
	reader    Reader
	joiner    Joiner
	periods   *period.Resolver
	logger    logging.Logger
	onCompute func(metric, status string, elapsed time.Duration)
}

func New(cfg Config) *Engine {
	periods := cfg.Periods
	if periods == nil {
		periods = period.NewResolver(nil)
	}
	return &Engine{
		reader:    cfg.Reader,
		joiner:    cfg.Joiner,
		periods:   periods,
		logger:    logging.OrDiscard(cfg.Logger),
		onCompute: cfg.OnCompute,
	}
}

const (
	windowCurrent  = "current"
	windowPrevious = "previous"
)

// ComputeMetric evaluates def over the window token resolves to. filters
// apply to every source read. Only an invalid definition returns an error;
// source failures degrade the result.
func (e *Engine) ComputeMetric(ctx context.Context, def Definition, token period.Token, explicit *period.Range, filters []source.Filter) (Result, error) {
	start := time.Now()
	if err := def.Validate(); err != nil {
		e.observe(def.Name, "invalid", start)
		return Result{}, err
	}

	current := e.periods.Resolve(token, explicit)
	previous := period.PreviousWindow(current)

	type slot struct {
		value   decimal.Decimal
		failure *SourceFailure
	}
	n := len(def.Sources)
	slots := make([]slot, n*2)

	var g errgroup.Group
	for i, src := range def.Sources {
		g.Go(func() error {
			slots[i].value, slots[i].failure = e.evaluate(ctx, src, current, filters, windowCurrent)
			return nil
		})
		if def.Compare {
			g.Go(func() error {
				slots[n+i].value, slots[n+i].failure = e.evaluate(ctx, src, previous, filters, windowPrevious)
				return nil
			})
		}
	}
	_ = g.Wait()

	res := Result{
		Metric:         def.Name,
		Compared:       def.Compare,
		Window:         current,
		PreviousWindow: previous,
		Sources:        make(map[string]decimal.Decimal, n),
	}
	order := make([]string, n)
	currentValues := make(map[string]decimal.Decimal, n)
	previousValues := make(map[string]decimal.Decimal, n)
	for i, src := range def.Sources {
		order[i] = src.Name
		currentValues[src.Name] = slots[i].value
		previousValues[src.Name] = slots[n+i].value
		res.Sources[src.Name] = slots[i].value
	}
	for _, s := range slots {
		if s.failure != nil {
			res.Degraded = true
			res.Failures = append(res.Failures, *s.failure)
		}
	}

	res.Value = Combine(def.Formula, currentValues, order)
	if def.Compare {
		res.PreviousValue = Combine(def.Formula, previousValues, order)
	}
	res.ChangePercent = period.PercentChange(res.Value, res.PreviousValue)
	res.Trend = period.TrendOf(res.ChangePercent)

	status := "ok"
	if res.Degraded {
		status = "degraded"
		e.logger.WithFields(logging.Fields{
			"metric":   def.Name,
			"failures": len(res.Failures),
		}).Warn("Metric computed from partial data")
	}
	e.observe(def.Name, status, start)
	return res, nil
}

// ComputeDashboard computes every definition concurrently. Results are in
// the order of defs; an invalid definition yields a degraded zero result.
func (e *Engine) ComputeDashboard(ctx context.Context, defs []Definition, token period.Token, explicit *period.Range, filters []source.Filter) []Result {
	results := make([]Result, len(defs))
	var g errgroup.Group
	for i, def := range defs {
		g.Go(func() error {
			res, err := e.ComputeMetric(ctx, def, token, explicit, filters)
			if err != nil {
				e.logger.WithError(err).WithField("metric", def.Name).Error("Invalid metric definition")
				res = Result{
					Metric:   def.Name,
					Trend:    period.TrendStable,
					Degraded: true,
					Failures: []SourceFailure{{Kind: FailureInvalidDefinition, Error: err.Error()}},
					Sources:  map[string]decimal.Decimal{},
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// evaluate reads, joins and reduces one source over w
func (e *Engine) evaluate(ctx context.Context, src Source, w period.Window, filters []source.Filter, label string) (decimal.Decimal, *SourceFailure) {
	all := make([]source.Filter, 0, len(src.Filters)+len(filters)+2)
	all = append(all, src.Filters...)
	all = append(all, filters...)
	if src.TimeField != "" {
		all = append(all, source.Between(src.TimeField, w.Start, w.End)...)
	}

	if src.countOnly() {
		res, err := e.reader.Count(ctx, src.Table, src.Schema, all)
		if err != nil {
			return decimal.Zero, e.failure(src, label, err)
		}
		if res.Condition == source.ConditionSchemaNotExposed {
			return decimal.Zero, e.notExposed(src, label)
		}
		return decimal.NewFromInt(res.N), nil
	}

	res, err := e.reader.Read(ctx, src.Table, src.Schema, nil, all)
	if err != nil {
		return decimal.Zero, e.failure(src, label, err)
	}
	if res.NotExposed() {
		return decimal.Zero, e.notExposed(src, label)
	}

	rows := res.Rows
	if len(src.Joins) > 0 && e.joiner != nil {
		rows = e.joiner.AttachAll(ctx, rows, src.Joins...)
	}
	return Reduce(src.Reducer, rows), nil
}

func (e *Engine) notExposed(src Source, label string) *SourceFailure {
	e.logger.WithFields(logging.Fields{
		"source": src.Name,
		"table":  src.Table,
		"schema": src.Schema,
		"window": label,
	}).Info("Source not exposed, contributing zero")
	return &SourceFailure{Source: src.Name, Window: label, Kind: FailureSchemaNotExposed}
}

func (e *Engine) failure(src Source, label string, err error) *SourceFailure {
	kind := FailureAccessError
	if errors.Is(err, source.ErrSchemaNotExposed) {
		kind = FailureSchemaNotExposed
	}
	e.logger.WithFields(logging.Fields{
		"source": src.Name,
		"table":  src.Table,
		"window": label,
		"error":  err,
	}).Warn("Source read failed, contributing zero")
	return &SourceFailure{Source: src.Name, Window: label, Kind: kind, Error: err.Error()}
}

func (e *Engine) observe(metric, status string, start time.Time) {
	if e.onCompute != nil {
		e.onCompute(metric, status, time.Since(start))
	}
}
