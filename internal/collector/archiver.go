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

// Archiver migrates cache entries whose period has closed into the
// historical store and deletes them from the cache. Cache entries carry no
// expiry; this is the only way they leave.
type Archiver struct {
	cache     storage.CacheStore
	summaries storage.SummaryStore
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewArchiver builds an archiver over the two stores.
func NewArchiver(cache storage.CacheStore, summaries storage.SummaryStore, logger *zap.Logger, m *metrics.Metrics) *Archiver {
	return &Archiver{
		cache:     cache,
		summaries: summaries,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (a *Archiver) SetNow(now func() time.Time) { a.now = now }

// Archive scans the cache and migrates every closed-period entry: upsert
// into the archive first, delete from the cache only on success, so a
// failed write leaves the entry for the next pass. Returns the number of
// entries migrated.
func (a *Archiver) Archive(ctx context.Context) (int, error) {
	entries, err := a.cache.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache: %w", err)
	}

	now := a.now()
	migrated := 0
	for _, entry := range entries {
		p, err := period.Resolve(entry.PeriodID)
		if err != nil {
			a.logger.Error("cache entry with unparseable period id",
				zap.String("period_id", entry.PeriodID),
				zap.String("client_id", entry.Summary.ClientID))
			continue
		}
		if p.IsCurrent(now) {
			continue
		}

		sum := entry.Summary
		sum.LastUpdated = now.UTC()
		if err := a.summaries.Upsert(ctx, &sum); err != nil {
			a.logger.Error("archive upsert failed, keeping cache entry",
				zap.String("key", sum.Key()),
				zap.Error(err))
			continue
		}
		if err := a.cache.Delete(ctx, sum.ClientID, sum.Platform, entry.PeriodID); err != nil {
			a.logger.Error("cache delete after archive",
				zap.String("key", sum.Key()),
				zap.Error(err))
			continue
		}
		migrated++
		if a.metrics != nil {
			a.metrics.RecordArchived(string(sum.SummaryType))
		}
		a.logger.Info("archived closed period",
			zap.String("client_id", sum.ClientID),
			zap.String("platform", string(sum.Platform)),
			zap.String("period", entry.PeriodID))
	}
	return migrated, nil
}
