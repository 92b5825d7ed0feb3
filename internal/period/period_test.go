package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolveMonthly(t *testing.T) {
	p, err := Resolve("2025-10")
	require.NoError(t, err)
	assert.Equal(t, Monthly, p.Granularity)
	assert.Equal(t, date(2025, time.October, 1), p.Start)
	assert.Equal(t, date(2025, time.October, 31), p.End)
}

func TestResolveWeekly(t *testing.T) {
	p, err := Resolve("2025-W46")
	require.NoError(t, err)
	assert.Equal(t, Weekly, p.Granularity)
	assert.Equal(t, date(2025, time.November, 10), p.Start)
	assert.Equal(t, date(2025, time.November, 16), p.End)
	assert.Equal(t, time.Monday, p.Start.Weekday())
	assert.Equal(t, time.Sunday, p.End.Weekday())
}

func TestResolveWeekSpanningYears(t *testing.T) {
	// ISO week 1 of 2025 starts in December 2024.
	p, err := Resolve("2025-W01")
	require.NoError(t, err)
	assert.Equal(t, date(2024, time.December, 30), p.Start)
	assert.Equal(t, date(2025, time.January, 5), p.End)
}

func TestResolveRoundTrip(t *testing.T) {
	for _, id := range []string{"2025-W46", "2025-W01", "2020-W53", "2025-10", "2024-02", "2025-01"} {
		p, err := Resolve(id)
		require.NoError(t, err, id)
		assert.Equal(t, id, p.Format(), "round trip for %s", id)
	}
}

func TestResolveInvalid(t *testing.T) {
	for _, id := range []string{"", "2025", "2025-13", "2025-W00", "2025-W54", "abc-W10", "2025-W53"} {
		_, err := Resolve(id)
		assert.Error(t, err, id)
	}
}

func TestIsCurrent(t *testing.T) {
	p, err := Resolve("2025-W46")
	require.NoError(t, err)

	assert.True(t, p.IsCurrent(date(2025, time.November, 10)))
	assert.True(t, p.IsCurrent(date(2025, time.November, 12)))
	assert.True(t, p.IsCurrent(date(2025, time.November, 16)))
	assert.False(t, p.IsCurrent(date(2025, time.November, 17)))
	assert.False(t, p.IsCurrent(date(2025, time.November, 9)))
}

func TestFetchRangeCapsCurrentPeriod(t *testing.T) {
	p, err := Resolve("2025-W46")
	require.NoError(t, err)

	today := date(2025, time.November, 12)
	r, err := p.FetchRange(today)
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.November, 10), r.Start)
	assert.Equal(t, today, r.End, "effective end must be capped at today")
}

func TestFetchRangeClosedPeriod(t *testing.T) {
	p, err := Resolve("2025-09")
	require.NoError(t, err)

	r, err := p.FetchRange(date(2025, time.November, 12))
	require.NoError(t, err)
	assert.Equal(t, p.Start, r.Start)
	assert.Equal(t, p.End, r.End)
}

func TestFetchRangeRejectsFuturePeriod(t *testing.T) {
	p, err := Resolve("2025-W50")
	require.NoError(t, err)

	_, err = p.FetchRange(date(2025, time.November, 12))
	assert.Error(t, err, "a wholly future period is an input error")
}

func TestFor(t *testing.T) {
	p := For(Weekly, date(2025, time.November, 12))
	assert.Equal(t, "2025-W46", p.Format())

	p = For(Monthly, date(2025, time.November, 12))
	assert.Equal(t, "2025-11", p.Format())

	// A Sunday still belongs to the week that started the previous Monday.
	p = For(Weekly, date(2025, time.November, 16))
	assert.Equal(t, "2025-W46", p.Format())
}

func TestTrailingMonthly(t *testing.T) {
	periods := Trailing(Monthly, date(2025, time.November, 14), 13)
	require.Len(t, periods, 13)
	assert.Equal(t, date(2025, time.November, 1), periods[0].Start)
	assert.Equal(t, date(2024, time.November, 1), periods[12].Start)
}

func TestKeepDatesRetentionBoundary(t *testing.T) {
	keep := KeepDates(Monthly, date(2025, time.November, 14), 13)

	set := make(map[time.Time]bool, len(keep))
	for _, d := range keep {
		set[d] = true
	}
	assert.True(t, set[date(2024, time.November, 1)], "13th trailing month is retained")
	assert.False(t, set[date(2024, time.September, 1)], "rows outside the window are dropped")
	assert.False(t, set[date(2024, time.October, 1)])
}

func TestKeepDatesWeekly(t *testing.T) {
	keep := KeepDates(Weekly, date(2025, time.November, 12), 53)
	require.Len(t, keep, 53)
	assert.Equal(t, date(2025, time.November, 10), keep[0])
	for _, d := range keep {
		assert.Equal(t, time.Monday, d.Weekday())
	}
}

func TestKeepDays(t *testing.T) {
	days := KeepDays(date(2025, time.November, 14), 7)
	require.NotEmpty(t, days)
	assert.Equal(t, date(2025, time.October, 25), days[0])
	assert.Equal(t, date(2025, time.November, 14), days[len(days)-1])
	assert.Len(t, days, 7+14)
}

func TestOverlaps(t *testing.T) {
	p, err := Resolve("2025-W46")
	require.NoError(t, err)

	assert.True(t, p.Overlaps(Range{Start: date(2025, time.November, 1), End: date(2025, time.November, 12)}))
	assert.True(t, p.Overlaps(Range{Start: date(2025, time.November, 16), End: date(2025, time.November, 30)}))
	assert.False(t, p.Overlaps(Range{Start: date(2025, time.November, 17), End: date(2025, time.November, 30)}))
}

func TestPrevious(t *testing.T) {
	p, err := Resolve("2025-W01")
	require.NoError(t, err)
	assert.Equal(t, "2024-W52", p.Previous().Format())

	p, err = Resolve("2025-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-12", p.Previous().Format())
}
