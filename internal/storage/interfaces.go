// Package storage defines the persistence interfaces for the funnel core
// and their Postgres, Redis, ClickHouse and in-memory implementations.
package storage

import (
	"context"
	"time"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

// =============================================
// HISTORICAL SUMMARY STORE
// =============================================

// SummaryStore is the durable archive of closed periods. Upsert is keyed
// by the full four-part composite key (client, platform, type, date); a
// second upsert with the same key replaces the row.
type SummaryStore interface {
	// Upsert inserts or replaces the summary for its composite key.
	// Writes violating the store invariants fail with SchemaMismatchError.
	Upsert(ctx context.Context, s *models.PeriodSummary) error
	// Get returns the summary for the key, or (nil, nil) when absent.
	Get(ctx context.Context, clientID string, platform models.Platform, g period.Granularity, date time.Time) (*models.PeriodSummary, error)
	// ListDates returns the summary_date values stored for a client,
	// platform and granularity.
	ListDates(ctx context.Context, clientID string, platform models.Platform, g period.Granularity) ([]time.Time, error)
	// DeleteOutside removes every row of granularity g whose summary_date
	// is not in keep, returning the number of rows deleted.
	DeleteOutside(ctx context.Context, g period.Granularity, keep []time.Time) (int64, error)
}

// =============================================
// CURRENT-PERIOD CACHE
// =============================================

// CacheStore holds at most one entry per (client, platform, period) for
// periods that are still open. Entries are overwritten on refresh and
// deleted outright once the period closes.
type CacheStore interface {
	// Get returns the entry for the key, or (nil, nil) when absent.
	Get(ctx context.Context, clientID string, platform models.Platform, periodID string) (*models.CacheEntry, error)
	Put(ctx context.Context, entry *models.CacheEntry) error
	Delete(ctx context.Context, clientID string, platform models.Platform, periodID string) error
	// List returns every cached entry. The archiver scans it for entries
	// whose period has closed.
	List(ctx context.Context) ([]*models.CacheEntry, error)
}

// =============================================
// DAILY KPI STORE
// =============================================

// DailyKPIStore holds day-granularity totals for charts, subject to the
// shortest retention window.
type DailyKPIStore interface {
	Upsert(ctx context.Context, rows []models.DailyKPIRow) error
	Range(ctx context.Context, clientID string, platform models.Platform, from, to time.Time) ([]models.DailyKPIRow, error)
	// DeleteOutside removes rows whose date is not in keep.
	DeleteOutside(ctx context.Context, keep []time.Time) (int64, error)
}

// =============================================
// CLIENT REPOSITORY
// =============================================

// ClientRepo reads the externally-owned client roster. Health flags are
// the single thing the core writes back.
type ClientRepo interface {
	ListAll(ctx context.Context) ([]*models.Client, error)
	GetByID(ctx context.Context, id string) (*models.Client, error)
	SetHealth(ctx context.Context, id string, health models.ClientHealth) error
}
