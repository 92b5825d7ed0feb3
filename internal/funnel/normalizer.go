// Package funnel maps the platforms' heterogeneous conversion-action
// vocabularies onto the canonical funnel schema.
package funnel

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/models"
)

// unknownActions counts values dropped because their action type maps to
// no canonical metric. A growing counter means a platform changed its
// vocabulary.
var unknownActions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "funnel",
		Name:      "unknown_action_types_total",
		Help:      "Action entries ignored because the type is unmapped",
	},
	[]string{"action_type"},
)

// Metric names the canonical counters an action type can map to.
type Metric int

const (
	MetricClickToCall Metric = iota
	MetricBookingStep1
	MetricBookingStep2
	MetricBookingStep3
	MetricReservations
)

// actionMap maps every known action-type variant to its canonical metric.
// Platforms emit several distinct names for the same funnel event (Meta
// alone has four call-confirmation spellings); all of them land on one
// counter. Matching is case-insensitive on the lowered form.
var actionMap = map[string]Metric{
	// Click to call
	"click_to_call":                         MetricClickToCall,
	"click_to_call_call_confirm":            MetricClickToCall,
	"click_to_call_native_call_placed":      MetricClickToCall,
	"onsite_conversion.click_to_call":       MetricClickToCall,
	"phone_number_clicks":                   MetricClickToCall,
	"calls_from_ads":                        MetricClickToCall,
	// Booking step 1: checkout initiated
	"booking_step_1":                        MetricBookingStep1,
	"initiate_checkout":                     MetricBookingStep1,
	"offsite_conversion.fb_pixel_initiate_checkout": MetricBookingStep1,
	"begin_checkout":                        MetricBookingStep1,
	// Booking step 2: payment details
	"booking_step_2":                        MetricBookingStep2,
	"add_payment_info":                      MetricBookingStep2,
	"offsite_conversion.fb_pixel_add_payment_info": MetricBookingStep2,
	// Booking step 3: final confirmation step before purchase
	"booking_step_3":                        MetricBookingStep3,
	"offsite_conversion.custom.booking_step_3": MetricBookingStep3,
	// Reservations
	"purchase":                              MetricReservations,
	"reservation":                           MetricReservations,
	"offsite_conversion.fb_pixel_purchase":  MetricReservations,
	"omni_purchase":                         MetricReservations,
}

// valueMap maps the action types whose ActionValues entries carry the
// monetary reservation value.
var valueMap = map[string]bool{
	"purchase":                             true,
	"reservation":                          true,
	"offsite_conversion.fb_pixel_purchase": true,
	"omni_purchase":                        true,
}

// Normalizer folds raw insight rows into canonical funnel metrics.
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize aggregates the rows into one period-level funnel plus a
// per-campaign breakdown. When several action-type variants map to the
// same canonical metric, within one row or across rows of one campaign,
// their values are summed, never overwritten: overwrite semantics caused
// undercounting before and must not recur. Unknown action types are
// excluded from every metric but logged so they stay visible.
func (n *Normalizer) Normalize(rows []models.RawInsightRow) (models.FunnelMetrics, []models.CampaignFunnel) {
	byCampaign := make(map[string]*models.CampaignFunnel)
	var order []string

	unknown := make(map[string]float64)

	for _, row := range rows {
		cf, ok := byCampaign[row.CampaignID]
		if !ok {
			cf = &models.CampaignFunnel{CampaignID: row.CampaignID, CampaignName: row.CampaignName}
			byCampaign[row.CampaignID] = cf
			order = append(order, row.CampaignID)
		}
		cf.Spend += row.Spend
		cf.Impressions += row.Impressions
		cf.Clicks += row.Clicks

		for _, a := range row.Actions {
			metric, ok := actionMap[strings.ToLower(a.Type)]
			if !ok {
				unknown[a.Type] += a.Value
				continue
			}
			accumulate(&cf.Funnel, metric, a.Value)
		}
		for _, a := range row.ActionValues {
			if valueMap[strings.ToLower(a.Type)] {
				cf.Funnel.ReservationValue += a.Value
			}
		}
	}

	var total models.FunnelMetrics
	var totalSpend float64
	campaigns := make([]models.CampaignFunnel, 0, len(order))
	for _, id := range order {
		cf := byCampaign[id]
		cf.Funnel.Derive(cf.Spend)
		total.Add(cf.Funnel)
		totalSpend += cf.Spend
		campaigns = append(campaigns, *cf)
	}
	total.Derive(totalSpend)

	for actionType, value := range unknown {
		unknownActions.WithLabelValues(actionType).Inc()
		if n.logger != nil {
			n.logger.Debug("ignoring unknown action type",
				zap.String("action_type", actionType),
				zap.Float64("value", value),
			)
		}
	}

	return total, campaigns
}

// UnknownActionTypes returns the set of action types in rows that map to
// no canonical metric. Exposed for diagnostics endpoints.
func UnknownActionTypes(rows []models.RawInsightRow) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		for _, a := range row.Actions {
			if _, ok := actionMap[strings.ToLower(a.Type)]; ok {
				continue
			}
			if !seen[a.Type] {
				seen[a.Type] = true
				out = append(out, a.Type)
			}
		}
	}
	return out
}

func accumulate(m *models.FunnelMetrics, metric Metric, value float64) {
	switch metric {
	case MetricClickToCall:
		m.ClickToCall += value
	case MetricBookingStep1:
		m.BookingStep1 += value
	case MetricBookingStep2:
		m.BookingStep2 += value
	case MetricBookingStep3:
		m.BookingStep3 += value
	case MetricReservations:
		m.Reservations += value
	}
}
