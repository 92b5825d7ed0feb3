package models

import (
	"fmt"
	"math"
	"time"

	"github.com/staylytics/funnel-core/internal/period"
)

// aggTolerance is the relative floating-point tolerance used when checking
// that a summary's aggregate funnel equals the sum of its campaign rows.
const aggTolerance = 1e-6

// FunnelMetrics is the canonical, platform-independent conversion funnel.
// All counters default to zero; ROAS and CostPerReservation are derived and
// never stored independently of their inputs.
type FunnelMetrics struct {
	ClickToCall        float64 `json:"click_to_call"`
	BookingStep1       float64 `json:"booking_step_1"`
	BookingStep2       float64 `json:"booking_step_2"`
	BookingStep3       float64 `json:"booking_step_3"`
	Reservations       float64 `json:"reservations"`
	ReservationValue   float64 `json:"reservation_value"`
	ROAS               float64 `json:"roas"`
	CostPerReservation float64 `json:"cost_per_reservation"`
}

// Add accumulates the counters of other into m. Derived fields are left
// alone; call Derive once accumulation is done.
func (m *FunnelMetrics) Add(other FunnelMetrics) {
	m.ClickToCall += other.ClickToCall
	m.BookingStep1 += other.BookingStep1
	m.BookingStep2 += other.BookingStep2
	m.BookingStep3 += other.BookingStep3
	m.Reservations += other.Reservations
	m.ReservationValue += other.ReservationValue
}

// Derive computes ROAS and cost per reservation from the accumulated
// counters and the given spend. Zero denominators yield zero, not Inf.
func (m *FunnelMetrics) Derive(spend float64) {
	m.ROAS = 0
	if spend > 0 {
		m.ROAS = m.ReservationValue / spend
	}
	m.CostPerReservation = 0
	if m.Reservations > 0 {
		m.CostPerReservation = spend / m.Reservations
	}
}

// CampaignFunnel is one campaign's share of a period summary.
type CampaignFunnel struct {
	CampaignID   string        `json:"campaign_id"`
	CampaignName string        `json:"campaign_name"`
	Spend        float64       `json:"spend"`
	Impressions  int64         `json:"impressions"`
	Clicks       int64         `json:"clicks"`
	Funnel       FunnelMetrics `json:"funnel"`
}

// PeriodSummary is the durable record of one client's performance on one
// platform over one closed (or closing) period. SummaryDate is always the
// period's start date: the first of the month or the ISO-week Monday.
type PeriodSummary struct {
	ClientID         string             `json:"client_id"`
	Platform         Platform           `json:"platform"`
	SummaryType      period.Granularity `json:"summary_type"`
	SummaryDate      time.Time          `json:"summary_date"`
	TotalSpend       float64            `json:"total_spend"`
	TotalImpressions int64              `json:"total_impressions"`
	TotalClicks      int64              `json:"total_clicks"`
	Funnel           FunnelMetrics      `json:"funnel"`
	Campaigns        []CampaignFunnel   `json:"campaign_data"`
	DataSource       string             `json:"data_source"`
	LastUpdated      time.Time          `json:"last_updated"`
}

// Key returns the four-part composite key identifying this summary. Both
// platforms for the same client, type and date must never collide, so the
// platform is part of the key.
func (s *PeriodSummary) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", s.ClientID, s.Platform, s.SummaryType, s.SummaryDate.Format("2006-01-02"))
}

// Period reconstructs the calendar period this summary covers.
func (s *PeriodSummary) Period() period.Period {
	return period.FromStart(s.SummaryType, s.SummaryDate)
}

// Validate rejects writes that would break the store's invariants: bad key
// parts, a period that has not closed yet at write time, or an aggregate
// funnel that does not equal the sum of the campaign rows. Open periods
// belong in the cache tier, never in the archive, so a summary whose period
// end is on or after today is refused outright.
func (s *PeriodSummary) Validate(now time.Time) error {
	if s.ClientID == "" {
		return &SchemaMismatchError{Reason: "missing client_id"}
	}
	if !s.Platform.Valid() {
		return &SchemaMismatchError{Reason: fmt.Sprintf("unknown platform %q", s.Platform)}
	}
	if !s.SummaryType.Valid() {
		return &SchemaMismatchError{Reason: fmt.Sprintf("unknown summary_type %q", s.SummaryType)}
	}
	p := s.Period()
	if !p.Start.Equal(s.SummaryDate) {
		return &SchemaMismatchError{Reason: fmt.Sprintf("summary_date %s is not a %s period start", s.SummaryDate.Format("2006-01-02"), s.SummaryType)}
	}
	if !p.End.Before(period.DateOf(now)) {
		return &SchemaMismatchError{Reason: fmt.Sprintf("period %s has not closed at write time", p.Format())}
	}

	var agg FunnelMetrics
	var spend float64
	var impressions, clicks int64
	for _, c := range s.Campaigns {
		agg.Add(c.Funnel)
		spend += c.Spend
		impressions += c.Impressions
		clicks += c.Clicks
	}
	if len(s.Campaigns) > 0 {
		if !within(agg.ClickToCall, s.Funnel.ClickToCall) ||
			!within(agg.BookingStep1, s.Funnel.BookingStep1) ||
			!within(agg.BookingStep2, s.Funnel.BookingStep2) ||
			!within(agg.BookingStep3, s.Funnel.BookingStep3) ||
			!within(agg.Reservations, s.Funnel.Reservations) ||
			!within(agg.ReservationValue, s.Funnel.ReservationValue) {
			return &SchemaMismatchError{Reason: "aggregate funnel does not equal campaign breakdown sums"}
		}
		if !within(spend, s.TotalSpend) || impressions != s.TotalImpressions || clicks != s.TotalClicks {
			return &SchemaMismatchError{Reason: "aggregate totals do not equal campaign breakdown sums"}
		}
	}
	return nil
}

func within(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= aggTolerance {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= scale*aggTolerance
}

// CacheEntry is the ephemeral current-period counterpart of PeriodSummary.
// It exists only while the period is open and is deleted, not expired,
// once the period closes and its data migrates into the archive.
type CacheEntry struct {
	PeriodID    string        `json:"period_id"`
	Summary     PeriodSummary `json:"summary"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// DailyKPIRow is one client's day totals on one platform, kept only for
// day-granularity charts and subject to the shortest retention window.
type DailyKPIRow struct {
	ClientID         string    `json:"client_id"`
	Platform         Platform  `json:"platform"`
	Date             time.Time `json:"date"`
	TotalSpend       float64   `json:"total_spend"`
	TotalImpressions int64     `json:"total_impressions"`
	TotalClicks      int64     `json:"total_clicks"`
	ClickToCall      float64   `json:"click_to_call"`
	Reservations     float64   `json:"reservations"`
	ReservationValue float64   `json:"reservation_value"`
}
