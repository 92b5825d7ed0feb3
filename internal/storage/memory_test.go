package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

var testNow = time.Date(2025, 11, 12, 10, 0, 0, 0, time.UTC)

func monthlySummary(clientID string, platform models.Platform, start time.Time) *models.PeriodSummary {
	s := &models.PeriodSummary{
		ClientID:         clientID,
		Platform:         platform,
		SummaryType:      period.Monthly,
		SummaryDate:      start,
		TotalSpend:       100,
		TotalImpressions: 5000,
		TotalClicks:      250,
		Funnel: models.FunnelMetrics{
			ClickToCall:      10,
			Reservations:     4,
			ReservationValue: 350,
		},
		Campaigns: []models.CampaignFunnel{
			{
				CampaignID:   "c-1",
				CampaignName: "Autumn",
				Spend:        100,
				Impressions:  5000,
				Clicks:       250,
				Funnel: models.FunnelMetrics{
					ClickToCall:      10,
					Reservations:     4,
					ReservationValue: 350,
				},
			},
		},
		DataSource:  "api",
		LastUpdated: testNow,
	}
	s.Funnel.Derive(s.TotalSpend)
	return s
}

func TestSummaryStoreUpsertIdempotent(t *testing.T) {
	store := NewInMemorySummaryStore()
	store.SetNow(func() time.Time { return testNow })
	ctx := context.Background()

	start := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	sum := monthlySummary("client-a", models.PlatformMeta, start)
	require.NoError(t, store.Upsert(ctx, sum))

	second := monthlySummary("client-a", models.PlatformMeta, start)
	second.LastUpdated = testNow.Add(time.Hour)
	require.NoError(t, store.Upsert(ctx, second))

	assert.Equal(t, 1, store.Len())
	got, err := store.Get(ctx, "client-a", models.PlatformMeta, period.Monthly, start)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testNow.Add(time.Hour), got.LastUpdated)
}

func TestSummaryStorePlatformsDoNotCollide(t *testing.T) {
	store := NewInMemorySummaryStore()
	store.SetNow(func() time.Time { return testNow })
	ctx := context.Background()

	start := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, monthlySummary("client-a", models.PlatformMeta, start)))
	require.NoError(t, store.Upsert(ctx, monthlySummary("client-a", models.PlatformGoogle, start)))

	assert.Equal(t, 2, store.Len())

	meta, err := store.Get(ctx, "client-a", models.PlatformMeta, period.Monthly, start)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, models.PlatformMeta, meta.Platform)

	google, err := store.Get(ctx, "client-a", models.PlatformGoogle, period.Monthly, start)
	require.NoError(t, err)
	require.NotNil(t, google)
	assert.Equal(t, models.PlatformGoogle, google.Platform)
}

func TestSummaryStoreGetAbsent(t *testing.T) {
	store := NewInMemorySummaryStore()
	got, err := store.Get(context.Background(), "nobody", models.PlatformMeta, period.Monthly,
		time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSummaryStoreRejectsInconsistentBreakdown(t *testing.T) {
	store := NewInMemorySummaryStore()
	store.SetNow(func() time.Time { return testNow })

	sum := monthlySummary("client-a", models.PlatformMeta, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	sum.Funnel.Reservations = 999

	err := store.Upsert(context.Background(), sum)
	require.Error(t, err)
	assert.True(t, models.IsSchemaMismatch(err))
	assert.Equal(t, 0, store.Len())
}

func TestSummaryStoreRejectsFuturePeriod(t *testing.T) {
	store := NewInMemorySummaryStore()
	store.SetNow(func() time.Time { return testNow })

	sum := monthlySummary("client-a", models.PlatformMeta, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	err := store.Upsert(context.Background(), sum)
	require.Error(t, err)
	assert.True(t, models.IsSchemaMismatch(err))
}

func TestSummaryStoreRejectsOpenPeriod(t *testing.T) {
	store := NewInMemorySummaryStore()
	store.SetNow(func() time.Time { return testNow })
	ctx := context.Background()

	// The in-progress month and week belong in the cache tier; the
	// archive must refuse them until they close.
	current := monthlySummary("client-a", models.PlatformMeta, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC))
	err := store.Upsert(ctx, current)
	require.Error(t, err)
	assert.True(t, models.IsSchemaMismatch(err))

	week := monthlySummary("client-a", models.PlatformMeta, time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC))
	week.SummaryType = period.Weekly
	err = store.Upsert(ctx, week)
	require.Error(t, err)
	assert.True(t, models.IsSchemaMismatch(err))

	assert.Equal(t, 0, store.Len())
}

func TestSummaryStoreDeleteOutside(t *testing.T) {
	store := NewInMemorySummaryStore()
	store.SetNow(func() time.Time { return testNow })
	ctx := context.Background()

	oct := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	sep := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, monthlySummary("client-a", models.PlatformMeta, oct)))
	require.NoError(t, store.Upsert(ctx, monthlySummary("client-a", models.PlatformMeta, sep)))

	deleted, err := store.DeleteOutside(ctx, period.Monthly, []time.Time{oct})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	kept, err := store.Get(ctx, "client-a", models.PlatformMeta, period.Monthly, oct)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	gone, err := store.Get(ctx, "client-a", models.PlatformMeta, period.Monthly, sep)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSummaryStoreDeleteOutsideSparesOtherGranularity(t *testing.T) {
	store := NewInMemorySummaryStore()
	store.SetNow(func() time.Time { return testNow })
	ctx := context.Background()

	monday := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)
	weekly := monthlySummary("client-a", models.PlatformMeta, monday)
	weekly.SummaryType = period.Weekly
	require.NoError(t, store.Upsert(ctx, weekly))

	deleted, err := store.DeleteOutside(ctx, period.Monthly, []time.Time{time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	assert.Equal(t, 1, store.Len())
}

func TestCacheStoreRoundTrip(t *testing.T) {
	cache := NewInMemoryCacheStore()
	ctx := context.Background()

	sum := monthlySummary("client-a", models.PlatformMeta, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC))
	entry := &models.CacheEntry{PeriodID: "2025-11", Summary: *sum, RefreshedAt: testNow}
	require.NoError(t, cache.Put(ctx, entry))

	got, err := cache.Get(ctx, "client-a", models.PlatformMeta, "2025-11")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2025-11", got.PeriodID)
	assert.Equal(t, testNow, got.RefreshedAt)

	require.NoError(t, cache.Delete(ctx, "client-a", models.PlatformMeta, "2025-11"))
	got, err = cache.Get(ctx, "client-a", models.PlatformMeta, "2025-11")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestKPIStoreRangeAndRetention(t *testing.T) {
	store := NewInMemoryKPIStore()
	ctx := context.Background()

	days := []time.Time{
		time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 11, 11, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
	}
	var rows []models.DailyKPIRow
	for _, d := range days {
		rows = append(rows, models.DailyKPIRow{
			ClientID: "client-a", Platform: models.PlatformMeta, Date: d, TotalSpend: 10,
		})
	}
	require.NoError(t, store.Upsert(ctx, rows))

	got, err := store.Range(ctx, "client-a", models.PlatformMeta,
		time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	deleted, err := store.DeleteOutside(ctx, days[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestClientRepoHealth(t *testing.T) {
	repo := NewInMemoryClientRepo(&models.Client{
		ID:     "client-a",
		Name:   "Hotel Alpha",
		Health: models.HealthValid,
		Meta:   &models.MetaCredentials{AccessToken: "tok", AdAccountID: "123"},
	})
	ctx := context.Background()

	require.NoError(t, repo.SetHealth(ctx, "client-a", models.HealthDegraded))
	c, err := repo.GetByID(ctx, "client-a")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.HealthDegraded, c.Health)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
