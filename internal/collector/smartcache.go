package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/staylytics/funnel-core/internal/metrics"
	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
	"github.com/staylytics/funnel-core/internal/storage"
)

// Refresher fetches fresh data for a current period and stores it in the
// cache. The Collector implements it.
type Refresher interface {
	RefreshCurrent(ctx context.Context, client *models.Client, pf models.Platform, p period.Period) (*models.CacheEntry, error)
}

// SmartCache answers period reads. Current periods come from the cache,
// refreshed through the connector when stale or missing; closed periods
// are never cached and fall through to the historical store. Concurrent
// refreshes of the same key collapse into one upstream call.
type SmartCache struct {
	cache      storage.CacheStore
	historical storage.SummaryStore
	refresher  Refresher
	ttl        time.Duration
	sf         singleflight.Group
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewSmartCache builds a smart cache. ttl is the staleness bound for
// cached current-period entries.
func NewSmartCache(
	cache storage.CacheStore,
	historical storage.SummaryStore,
	refresher Refresher,
	ttl time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *SmartCache {
	return &SmartCache{
		cache:      cache,
		historical: historical,
		refresher:  refresher,
		ttl:        ttl,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *SmartCache) SetNow(now func() time.Time) { s.now = now }

// Get returns the summary for one client, platform and period id. An open
// period is served from the cache (refreshing first if stale or missing);
// a closed one is read from the historical store, returning (nil, nil)
// when it was never collected.
func (s *SmartCache) Get(ctx context.Context, client *models.Client, pf models.Platform, periodID string) (*models.PeriodSummary, error) {
	p, err := period.Resolve(periodID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if !p.IsCurrent(now) {
		if p.Start.After(period.DateOf(now)) {
			return nil, fmt.Errorf("period %s starts in the future", p.Format())
		}
		return s.historical.Get(ctx, client.ID, pf, p.Granularity, p.Start)
	}

	entry, err := s.cache.Get(ctx, client.ID, pf, periodID)
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if entry != nil && now.Sub(entry.RefreshedAt) <= s.ttl {
		s.recordHit(p.Granularity)
		return &entry.Summary, nil
	}

	reason := "missing"
	if entry != nil {
		reason = "stale"
	}
	s.recordMiss(p.Granularity, reason)

	fresh, err := s.refresh(ctx, client, pf, p)
	if err != nil {
		// A stale entry beats an error while the upstream is down.
		if entry != nil {
			s.logger.Warn("refresh failed, serving stale entry",
				zap.String("client_id", client.ID),
				zap.String("platform", string(pf)),
				zap.String("period", periodID),
				zap.Error(err))
			return &entry.Summary, nil
		}
		return nil, err
	}
	return &fresh.Summary, nil
}

// refresh collapses concurrent refreshes of one key into a single
// connector call.
func (s *SmartCache) refresh(ctx context.Context, client *models.Client, pf models.Platform, p period.Period) (*models.CacheEntry, error) {
	key := client.ID + "|" + string(pf) + "|" + p.ID()
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.refresher.RefreshCurrent(ctx, client, pf, p)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CacheEntry), nil
}

func (s *SmartCache) recordHit(g period.Granularity) {
	if s.metrics != nil {
		s.metrics.RecordCacheHit(string(g))
	}
}

func (s *SmartCache) recordMiss(g period.Granularity, reason string) {
	if s.metrics != nil {
		s.metrics.RecordCacheMiss(string(g))
		s.metrics.RecordCacheRefresh(reason)
	}
}
