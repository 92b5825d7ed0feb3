package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/metrics"
	"github.com/staylytics/funnel-core/internal/period"
	"github.com/staylytics/funnel-core/internal/storage"
)

// RetentionPolicy fixes how many trailing periods each store keeps.
type RetentionPolicy struct {
	Months      int
	Weeks       int
	DailyBuffer int
}

// DefaultRetention keeps 13 trailing months, 53 trailing ISO weeks, and
// daily rows for the current month plus a 7-day buffer.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Months: 13, Weeks: 53, DailyBuffer: 7}
}

// SweepResult counts rows removed per store.
type SweepResult struct {
	Monthly int64 `json:"monthly_deleted"`
	Weekly  int64 `json:"weekly_deleted"`
	Daily   int64 `json:"daily_deleted"`
}

// Janitor enforces the rolling retention windows. It always works from an
// explicit keep-list of dates computed from now, never from row age; a row
// survives exactly when its date is in the list.
type Janitor struct {
	summaries storage.SummaryStore
	kpi       storage.DailyKPIStore
	policy    RetentionPolicy
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewJanitor builds a janitor. kpi may be nil when no daily store is
// wired.
func NewJanitor(summaries storage.SummaryStore, kpi storage.DailyKPIStore, policy RetentionPolicy, logger *zap.Logger, m *metrics.Metrics) *Janitor {
	return &Janitor{
		summaries: summaries,
		kpi:       kpi,
		policy:    policy,
		logger:    logger,
		metrics:   m,
	}
}

// Sweep deletes every row outside the retention windows as of now.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	monthly, err := j.summaries.DeleteOutside(ctx, period.Monthly, period.KeepDates(period.Monthly, now, j.policy.Months))
	if err != nil {
		return res, fmt.Errorf("monthly sweep: %w", err)
	}
	res.Monthly = monthly
	j.record("monthly", monthly)

	weekly, err := j.summaries.DeleteOutside(ctx, period.Weekly, period.KeepDates(period.Weekly, now, j.policy.Weeks))
	if err != nil {
		return res, fmt.Errorf("weekly sweep: %w", err)
	}
	res.Weekly = weekly
	j.record("weekly", weekly)

	if j.kpi != nil {
		daily, err := j.kpi.DeleteOutside(ctx, period.KeepDays(now, j.policy.DailyBuffer))
		if err != nil {
			return res, fmt.Errorf("daily sweep: %w", err)
		}
		res.Daily = daily
		j.record("daily", daily)
	}

	j.logger.Info("retention sweep complete",
		zap.Int64("monthly_deleted", res.Monthly),
		zap.Int64("weekly_deleted", res.Weekly),
		zap.Int64("daily_deleted", res.Daily))
	return res, nil
}

func (j *Janitor) record(store string, n int64) {
	if j.metrics != nil {
		j.metrics.RecordRetentionDeletes(store, n)
	}
}
