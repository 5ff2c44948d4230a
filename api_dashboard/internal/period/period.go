// Package period turns symbolic date-range presets into concrete half-open
// windows and computes the comparison math used by dashboard KPIs.
package period

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Token is a symbolic date range preset
type Token string

const (
	Today       Token = "today"
	Yesterday   Token = "yesterday"
	Last7Days   Token = "last_7_days"
	Last30Days  Token = "last_30_days"
	LastQuarter Token = "last_quarter"
	LastYear    Token = "last_year"
	Custom      Token = "custom"

	// DefaultToken is substituted for anything unrecognised.
	DefaultToken = Last30Days
)

// Tokens lists every supported preset in display order.
func Tokens() []Token {
	return []Token{Today, Yesterday, Last7Days, Last30Days, LastQuarter, LastYear, Custom}
}

// ParseToken normalises user input ("Last-7-Days", " today ") to a Token.
// Unknown input is returned as-is; Resolve treats it as DefaultToken.
func ParseToken(s string) Token {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return Token(s)
}

// Valid reports whether t is one of the supported presets
func (t Token) Valid() bool {
	for _, known := range Tokens() {
		if t == known {
			return true
		}
	}
	return false
}

// Window is a half-open [Start, End) interval.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration is the elapsed time covered by the window
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside [Start, End)
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Range holds explicit bounds supplied with the custom token
type Range struct {
	Start time.Time
	End   time.Time
}

// Resolver resolves tokens relative to the current time. It holds no state
// between calls; Now is read on every Resolve.
type Resolver struct {
	Now      func() time.Time
	Location *time.Location
}

// NewResolver creates a resolver whose day boundaries follow loc
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{Now: time.Now, Location: loc}
}

func (r *Resolver) now() time.Time {
	now := time.Now
	if r != nil && r.Now != nil {
		now = r.Now
	}
	loc := time.Local
	if r != nil && r.Location != nil {
		loc = r.Location
	}
	return now().In(loc)
}

// Resolve converts token (and explicit bounds for custom) into a Window.
// It never fails: unknown tokens and a custom token without bounds resolve
// to the trailing 30 days.
func (r *Resolver) Resolve(token Token, explicit *Range) Window {
	now := r.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch token {
	case Today:
		return Window{Start: midnight, End: midnight.AddDate(0, 0, 1)}
	case Yesterday:
		return Window{Start: midnight.AddDate(0, 0, -1), End: midnight}
	case Last7Days:
		return Window{Start: midnight.AddDate(0, 0, -7), End: now}
	case LastQuarter:
		currentQuarter := time.Date(now.Year(), quarterStartMonth(now.Month()), 1, 0, 0, 0, 0, now.Location())
		return Window{Start: currentQuarter.AddDate(0, -3, 0), End: currentQuarter}
	case LastYear:
		jan1 := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
		return Window{Start: jan1.AddDate(-1, 0, 0), End: jan1}
	case Custom:
		if explicit != nil && !explicit.Start.IsZero() && !explicit.End.IsZero() {
			start, end := explicit.Start, explicit.End
			if end.Before(start) {
				start, end = end, start
			}
			return Window{Start: start, End: end}
		}
	}

	return Window{Start: midnight.AddDate(0, 0, -30), End: now}
}

func quarterStartMonth(m time.Month) time.Month {
	return time.Month((int(m)-1)/3*3 + 1)
}

// PreviousWindow returns the window of identical elapsed duration ending at w.Start.
// Calendar-aligned comparisons must be requested through a token instead.
func PreviousWindow(w Window) Window {
	d := w.Duration()
	return Window{Start: w.Start.Add(-d), End: w.End.Add(-d)}
}

// Trend is the direction of a period-over-period change
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

var hundred = decimal.NewFromInt(100)

// PercentChange returns (current-previous)/previous*100 rounded to two places.
// A zero baseline yields 100 when current is positive and 0 otherwise.
func PercentChange(current, previous decimal.Decimal) decimal.Decimal {
	if previous.IsZero() {
		if current.IsPositive() {
			return hundred
		}
		return decimal.Zero
	}
	return current.Sub(previous).Div(previous).Mul(hundred).Round(2)
}

// TrendOf derives the trend purely from the sign of change
func TrendOf(change decimal.Decimal) Trend {
	switch change.Sign() {
	case 1:
		return TrendUp
	case -1:
		return TrendDown
	default:
		return TrendStable
	}
}
