// Package period resolves calendar-period identifiers (months and ISO
// weeks) into concrete date ranges and decides whether a period is still
// accumulating data.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity selects between calendar months and ISO weeks.
type Granularity string

const (
	Monthly Granularity = "monthly"
	Weekly  Granularity = "weekly"
)

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g == Monthly || g == Weekly
}

// Period is a resolved calendar period. Start and End are inclusive dates
// at midnight UTC; Start is the first of the month or the ISO-week Monday.
type Period struct {
	Granularity Granularity
	Start       time.Time
	End         time.Time
}

// Range is a half-agnostic inclusive date range.
type Range struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the period intersects the range. Matching is by
// overlap, not exact boundary containment: a current period whose effective
// end is capped at today must still match a request covering today.
func (p Period) Overlaps(r Range) bool {
	return !p.Start.After(r.End) && !p.End.Before(r.Start)
}

// Resolve parses a period identifier. Monthly ids look like "2025-10",
// weekly ids like "2025-W46" (ISO week, Monday start).
func Resolve(id string) (Period, error) {
	if i := strings.Index(id, "-W"); i > 0 {
		year, err := strconv.Atoi(id[:i])
		if err != nil {
			return Period{}, fmt.Errorf("invalid period id %q: %w", id, err)
		}
		week, err := strconv.Atoi(id[i+2:])
		if err != nil || week < 1 || week > 53 {
			return Period{}, fmt.Errorf("invalid ISO week in period id %q", id)
		}
		start := isoWeekStart(year, week)
		// Reject ids that normalize to a different week (e.g. W53 of a
		// 52-week year).
		if y, w := start.ISOWeek(); y != year || w != week {
			return Period{}, fmt.Errorf("period id %q names a nonexistent ISO week", id)
		}
		return Period{
			Granularity: Weekly,
			Start:       start,
			End:         start.AddDate(0, 0, 6),
		}, nil
	}

	t, err := time.ParseInLocation("2006-01", id, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period id %q: %w", id, err)
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		Granularity: Monthly,
		Start:       start,
		End:         start.AddDate(0, 1, -1),
	}, nil
}

// Format renders the canonical id for the period. Resolve(Format(p))
// reproduces p.
func (p Period) Format() string {
	if p.Granularity == Weekly {
		y, w := p.Start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	}
	return p.Start.Format("2006-01")
}

// ID is shorthand for Format.
func (p Period) ID() string { return p.Format() }

// IsCurrent reports whether today falls within the period, inclusive on
// both ends.
func (p Period) IsCurrent(today time.Time) bool {
	d := DateOf(today)
	return !d.Before(p.Start) && !d.After(p.End)
}

// FetchRange returns the date range a connector should request. For a
// current period the end is capped at today. A wholly future period is an
// input error, never an empty fetch.
func (p Period) FetchRange(today time.Time) (Range, error) {
	d := DateOf(today)
	if p.Start.After(d) {
		return Range{}, fmt.Errorf("period %s starts in the future", p.Format())
	}
	end := p.End
	if end.After(d) {
		end = d
	}
	return Range{Start: p.Start, End: end}, nil
}

// For returns the period of the given granularity containing t.
func For(g Granularity, t time.Time) Period {
	d := DateOf(t)
	if g == Weekly {
		start := mondayOf(d)
		return Period{Granularity: Weekly, Start: start, End: start.AddDate(0, 0, 6)}
	}
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Granularity: Monthly, Start: start, End: start.AddDate(0, 1, -1)}
}

// FromStart reconstructs the period of the given granularity whose start
// date is d. Used when rehydrating stored summaries.
func FromStart(g Granularity, d time.Time) Period {
	return For(g, d)
}

// End returns the inclusive end date for a stored summary_date of the
// given granularity.
func End(g Granularity, start time.Time) time.Time {
	return For(g, start).End
}

// Previous returns the period immediately before p.
func (p Period) Previous() Period {
	return For(p.Granularity, p.Start.AddDate(0, 0, -1))
}

// Trailing returns the n trailing periods of granularity g counted
// backward from (and including) the period containing now, newest first.
func Trailing(g Granularity, now time.Time, n int) []Period {
	out := make([]Period, 0, n)
	p := For(g, now)
	for i := 0; i < n; i++ {
		out = append(out, p)
		p = p.Previous()
	}
	return out
}

// KeepDates returns the exact set of summary_date values the retention
// janitor must retain: the start dates of the n trailing periods.
func KeepDates(g Granularity, now time.Time, n int) []time.Time {
	periods := Trailing(g, now, n)
	dates := make([]time.Time, len(periods))
	for i, p := range periods {
		dates[i] = p.Start
	}
	return dates
}

// KeepDays returns the dates the daily-KPI janitor must retain: every day
// of the current month plus a trailing buffer of full days before the
// first of the month.
func KeepDays(now time.Time, buffer int) []time.Time {
	d := DateOf(now)
	first := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	var days []time.Time
	for cur := first.AddDate(0, 0, -buffer); !cur.After(d); cur = cur.AddDate(0, 0, 1) {
		days = append(days, cur)
	}
	return days
}

// DateOf truncates t to midnight UTC.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// isoWeekStart returns the Monday of the given ISO week. January 4th is
// always inside week 1.
func isoWeekStart(year, week int) time.Time {
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
	wd := int(jan4.Weekday())
	if wd == 0 {
		wd = 7
	}
	week1Monday := jan4.AddDate(0, 0, -(wd - 1))
	return week1Monday.AddDate(0, 0, (week-1)*7)
}

func mondayOf(d time.Time) time.Time {
	wd := int(d.Weekday())
	if wd == 0 {
		wd = 7
	}
	return d.AddDate(0, 0, -(wd - 1))
}
