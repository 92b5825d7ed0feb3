package funnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/models"
)

func TestNormalizeSumsVariantsOfSameMetric(t *testing.T) {
	rows := []models.RawInsightRow{{
		CampaignID: "c1",
		Actions: []models.ActionEntry{
			{Type: "click_to_call", Value: 3},
			{Type: "click_to_call_call_confirm", Value: 2},
		},
	}}

	total, _ := NewNormalizer(zap.NewNop()).Normalize(rows)
	assert.Equal(t, 5.0, total.ClickToCall, "variants must be summed, never overwritten")
}

func TestNormalizeSumsAcrossRowsOfSameCampaign(t *testing.T) {
	rows := []models.RawInsightRow{
		{CampaignID: "c1", Actions: []models.ActionEntry{{Type: "purchase", Value: 1}}},
		{CampaignID: "c1", Actions: []models.ActionEntry{{Type: "offsite_conversion.fb_pixel_purchase", Value: 2}}},
	}

	total, campaigns := NewNormalizer(zap.NewNop()).Normalize(rows)
	require.Len(t, campaigns, 1)
	assert.Equal(t, 3.0, total.Reservations)
	assert.Equal(t, 3.0, campaigns[0].Funnel.Reservations)
}

func TestNormalizeIgnoresUnknownActionTypes(t *testing.T) {
	rows := []models.RawInsightRow{{
		CampaignID: "c1",
		Actions: []models.ActionEntry{
			{Type: "page_engagement", Value: 99},
			{Type: "click_to_call", Value: 1},
		},
	}}

	total, _ := NewNormalizer(zap.NewNop()).Normalize(rows)
	assert.Equal(t, 1.0, total.ClickToCall)
	assert.Equal(t, 0.0, total.Reservations)

	unknown := UnknownActionTypes(rows)
	assert.Equal(t, []string{"page_engagement"}, unknown)
}

func TestNormalizeReservationValueFromActionValues(t *testing.T) {
	rows := []models.RawInsightRow{{
		CampaignID: "c1",
		Spend:      100,
		Actions:    []models.ActionEntry{{Type: "purchase", Value: 2}},
		ActionValues: []models.ActionEntry{
			{Type: "purchase", Value: 350},
			{Type: "link_click", Value: 10}, // not a value-bearing type
		},
	}}

	total, _ := NewNormalizer(zap.NewNop()).Normalize(rows)
	assert.Equal(t, 350.0, total.ReservationValue)
	assert.Equal(t, 3.5, total.ROAS)
	assert.Equal(t, 50.0, total.CostPerReservation)
}

func TestNormalizeDerivedMetricsZeroDenominators(t *testing.T) {
	total, _ := NewNormalizer(zap.NewNop()).Normalize([]models.RawInsightRow{{
		CampaignID: "c1",
		Spend:      0,
	}})
	assert.Equal(t, 0.0, total.ROAS, "roas is 0 when spend is 0")
	assert.Equal(t, 0.0, total.CostPerReservation, "cost per reservation is 0 when reservations is 0")
}

func TestNormalizeAggregateEqualsBreakdownSums(t *testing.T) {
	rows := []models.RawInsightRow{
		{
			CampaignID: "c1", Spend: 40, Impressions: 100, Clicks: 10,
			Actions:      []models.ActionEntry{{Type: "booking_step_1", Value: 4}, {Type: "purchase", Value: 1}},
			ActionValues: []models.ActionEntry{{Type: "purchase", Value: 120}},
		},
		{
			CampaignID: "c2", Spend: 60, Impressions: 300, Clicks: 25,
			Actions:      []models.ActionEntry{{Type: "begin_checkout", Value: 6}, {Type: "reservation", Value: 2}},
			ActionValues: []models.ActionEntry{{Type: "reservation", Value: 280}},
		},
	}

	total, campaigns := NewNormalizer(zap.NewNop()).Normalize(rows)
	require.Len(t, campaigns, 2)

	var step1, reservations, value, spend float64
	for _, c := range campaigns {
		step1 += c.Funnel.BookingStep1
		reservations += c.Funnel.Reservations
		value += c.Funnel.ReservationValue
		spend += c.Spend
	}
	assert.InDelta(t, step1, total.BookingStep1, 1e-9)
	assert.InDelta(t, reservations, total.Reservations, 1e-9)
	assert.InDelta(t, value, total.ReservationValue, 1e-9)
	assert.InDelta(t, value/spend, total.ROAS, 1e-9)
}

func TestNormalizeCaseInsensitiveMatching(t *testing.T) {
	rows := []models.RawInsightRow{{
		CampaignID: "c1",
		Actions:    []models.ActionEntry{{Type: "Purchase", Value: 2}},
	}}
	total, _ := NewNormalizer(zap.NewNop()).Normalize(rows)
	assert.Equal(t, 2.0, total.Reservations)
}

func TestNormalizeEmptyInput(t *testing.T) {
	total, campaigns := NewNormalizer(zap.NewNop()).Normalize(nil)
	assert.Equal(t, models.FunnelMetrics{}, total)
	assert.Empty(t, campaigns)
}
