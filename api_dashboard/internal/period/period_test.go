package period

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedResolver(now time.Time) *Resolver {
	return &Resolver{
		Now:      func() time.Time { return now },
		Location: time.UTC,
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolve_Presets(t *testing.T) {
	now := time.Date(2024, time.May, 15, 14, 30, 0, 0, time.UTC)
	r := fixedResolver(now)

	tests := []struct {
		token Token
		want  Window
	}{
		{Today, Window{Start: day(2024, 5, 15), End: day(2024, 5, 16)}},
		{Yesterday, Window{Start: day(2024, 5, 14), End: day(2024, 5, 15)}},
		{Last7Days, Window{Start: day(2024, 5, 8), End: now}},
		{Last30Days, Window{Start: day(2024, 4, 15), End: now}},
		{LastQuarter, Window{Start: day(2024, 1, 1), End: day(2024, 4, 1)}},
		{LastYear, Window{Start: day(2023, 1, 1), End: day(2024, 1, 1)}},
	}

	for _, tt := range tests {
		t.Run(string(tt.token), func(t *testing.T) {
			got := r.Resolve(tt.token, nil)
			assert.True(t, tt.want.Start.Equal(got.Start), "start: want %s got %s", tt.want.Start, got.Start)
			assert.True(t, tt.want.End.Equal(got.End), "end: want %s got %s", tt.want.End, got.End)
		})
	}
}

func TestResolve_LastQuarterCrossesYear(t *testing.T) {
	r := fixedResolver(time.Date(2024, time.February, 10, 9, 0, 0, 0, time.UTC))
	got := r.Resolve(LastQuarter, nil)
	assert.True(t, got.Start.Equal(day(2023, 10, 1)))
	assert.True(t, got.End.Equal(day(2024, 1, 1)))
}

func TestResolve_UsesConfiguredLocation(t *testing.T) {
	riyadh := time.FixedZone("AST", 3*60*60)
	// 22:30 UTC on the 15th is already the 16th in UTC+3.
	r := &Resolver{
		Now:      func() time.Time { return time.Date(2024, time.May, 15, 22, 30, 0, 0, time.UTC) },
		Location: riyadh,
	}
	got := r.Resolve(Today, nil)
	assert.True(t, got.Start.Equal(time.Date(2024, time.May, 16, 0, 0, 0, 0, riyadh)))
}

func TestResolve_UnknownTokenFallsBackToThirtyDays(t *testing.T) {
	now := time.Date(2024, time.May, 15, 14, 30, 0, 0, time.UTC)
	r := fixedResolver(now)

	want := r.Resolve(Last30Days, nil)
	assert.Equal(t, want, r.Resolve(Token("last_fortnight"), nil))
	assert.Equal(t, want, r.Resolve(Token(""), nil))
}

func TestResolve_Custom(t *testing.T) {
	r := fixedResolver(time.Date(2024, time.May, 15, 14, 30, 0, 0, time.UTC))

	explicit := &Range{Start: day(2024, 3, 1), End: day(2024, 3, 20)}
	got := r.Resolve(Custom, explicit)
	assert.Equal(t, Window{Start: explicit.Start, End: explicit.End}, got)

	swapped := r.Resolve(Custom, &Range{Start: day(2024, 3, 20), End: day(2024, 3, 1)})
	assert.True(t, !swapped.End.Before(swapped.Start))
	assert.Equal(t, day(2024, 3, 1), swapped.Start)

	assert.Equal(t, r.Resolve(Last30Days, nil), r.Resolve(Custom, nil), "custom without bounds uses the default window")
}

func TestResolve_StartNeverAfterEnd(t *testing.T) {
	instants := []time.Time{
		time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2024, time.December, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2023, time.February, 28, 0, 0, 1, 0, time.UTC),
	}
	for _, now := range instants {
		r := fixedResolver(now)
		for _, token := range Tokens() {
			w := r.Resolve(token, nil)
			assert.False(t, w.End.Before(w.Start), "token %s at %s", token, now)
		}
	}
}

func TestPreviousWindow(t *testing.T) {
	windows := []Window{
		{Start: day(2024, 5, 15), End: day(2024, 5, 16)},
		{Start: day(2024, 1, 1), End: day(2024, 4, 1)}, // 91 days
		{Start: day(2023, 1, 1), End: day(2024, 1, 1)}, // 365 days
		{Start: day(2024, 2, 1), End: day(2024, 3, 1)}, // leap February
		{Start: day(2024, 5, 1), End: day(2024, 5, 1).Add(time.Minute)},
	}

	for _, w := range windows {
		prev := PreviousWindow(w)
		assert.Equal(t, w.Duration(), prev.Duration())
		assert.True(t, prev.End.Equal(w.Start))
	}

	q := PreviousWindow(Window{Start: day(2024, 1, 1), End: day(2024, 4, 1)})
	assert.True(t, q.Start.Equal(day(2023, 10, 2)), "elapsed-time semantics, not calendar quarters: %s", q.Start)
}

func TestPercentChange(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		current, previous string
		want              string
	}{
		{"0", "0", "0"},
		{"5", "0", "100"},
		{"-5", "0", "0"},
		{"50", "100", "-50"},
		{"300", "150", "100"},
		{"1", "3", "-66.67"},
		{"100", "100", "0"},
	}
	for _, tt := range tests {
		got := PercentChange(d(tt.current), d(tt.previous))
		assert.True(t, d(tt.want).Equal(got), "PercentChange(%s, %s) = %s, want %s", tt.current, tt.previous, got, tt.want)
	}
}

func TestTrendOf(t *testing.T) {
	assert.Equal(t, TrendUp, TrendOf(decimal.NewFromFloat(0.01)))
	assert.Equal(t, TrendDown, TrendOf(decimal.NewFromInt(-50)))
	assert.Equal(t, TrendStable, TrendOf(decimal.Zero))
}

func TestParseToken(t *testing.T) {
	assert.Equal(t, Last7Days, ParseToken(" Last-7-Days "))
	assert.True(t, ParseToken("TODAY").Valid())
	assert.False(t, ParseToken("whenever").Valid())
}

func TestWindowContainsIsHalfOpen(t *testing.T) {
	w := Window{Start: day(2024, 5, 1), End: day(2024, 5, 2)}
	require.True(t, w.Contains(day(2024, 5, 1)))
	require.False(t, w.Contains(day(2024, 5, 2)))
}
