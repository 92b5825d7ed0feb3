package models

// ActionEntry is one named conversion event reported by a platform for a
// campaign and date range. Platforms emit several distinct type names for
// what is conceptually the same funnel event; the normalizer folds them.
type ActionEntry struct {
	Type  string  `json:"action_type"`
	Value float64 `json:"value"`
}

// RawInsightRow is one campaign's raw performance for a requested date
// range, exactly as a connector translated it off the wire. No aggregation
// has happened yet. Actions carry event counts; ActionValues carry the
// monetary value of value-bearing events (Meta reports the two in parallel
// lists, the Google connector folds its rows into the same shape).
type RawInsightRow struct {
	CampaignID   string        `json:"campaign_id"`
	CampaignName string        `json:"campaign_name"`
	Spend        float64       `json:"spend"`
	Impressions  int64         `json:"impressions"`
	Clicks       int64         `json:"clicks"`
	Conversions  float64       `json:"conversions"`
	Actions      []ActionEntry `json:"actions"`
	ActionValues []ActionEntry `json:"action_values"`
}
