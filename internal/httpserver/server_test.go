package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/collector"
	"github.com/staylytics/funnel-core/internal/config"
	"github.com/staylytics/funnel-core/internal/funnel"
	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
	"github.com/staylytics/funnel-core/internal/platform"
	"github.com/staylytics/funnel-core/internal/storage"
)

var serverNow = time.Date(2025, 11, 12, 9, 0, 0, 0, time.UTC)

type stubConnector struct {
	pf   models.Platform
	rows []models.RawInsightRow
}

func (s *stubConnector) Platform() models.Platform { return s.pf }

func (s *stubConnector) Fetch(ctx context.Context, client *models.Client, r period.Range) ([]models.RawInsightRow, error) {
	return s.rows, nil
}

type testEnv struct {
	handler   http.Handler
	summaries *storage.InMemorySummaryStore
	cache     *storage.InMemoryCacheStore
	kpi       *storage.InMemoryKPIStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clients := storage.NewInMemoryClientRepo(&models.Client{
		ID:     "client-a",
		Name:   "Hotel Alpha",
		Health: models.HealthValid,
		Meta:   &models.MetaCredentials{AccessToken: "tok", AdAccountID: "123"},
	})
	summaries := storage.NewInMemorySummaryStore()
	summaries.SetNow(func() time.Time { return serverNow })
	cache := storage.NewInMemoryCacheStore()
	kpi := storage.NewInMemoryKPIStore()

	conn := &stubConnector{pf: models.PlatformMeta, rows: []models.RawInsightRow{
		{
			CampaignID:   "c-1",
			CampaignName: "Autumn",
			Spend:        100,
			Impressions:  5000,
			Clicks:       250,
			Actions: []models.ActionEntry{
				{Type: "click_to_call", Value: 10},
				{Type: "purchase", Value: 4},
			},
			ActionValues: []models.ActionEntry{{Type: "purchase", Value: 350}},
		},
	}}

	logger := zap.NewNop()
	coll := collector.NewCollector(clients, platform.NewRegistry(conn), funnel.NewNormalizer(logger),
		cache, summaries, kpi,
		collector.Options{
			Concurrency:     2,
			DailyCallBudget: 10000,
			Backoff:         platform.Backoff{Base: time.Millisecond, MaxAttempts: 2},
			TrailingMonths:  2,
			TrailingWeeks:   2,
		}, logger, nil)
	coll.SetNow(func() time.Time { return serverNow })

	smartCache := collector.NewSmartCache(cache, summaries, coll, 3*time.Hour, logger, nil)
	smartCache.SetNow(func() time.Time { return serverNow })
	archiver := collector.NewArchiver(cache, summaries, logger, nil)
	archiver.SetNow(func() time.Time { return serverNow })

	srv := &Server{
		collector:  coll,
		smartCache: smartCache,
		archiver:   archiver,
		janitor:    collector.NewJanitor(summaries, kpi, collector.DefaultRetention(), logger, nil),
		clients:    clients,
		summaries:  summaries,
		kpi:        kpi,
		logger:     logger,
		config:     &config.Config{},
		now:        func() time.Time { return serverNow },
	}
	return &testEnv{handler: srv.Handler(), summaries: summaries, cache: cache, kpi: kpi}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCollectClientTally(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/collect/client", `{"client_id":"client-a","period_id":"2025-10"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var tally struct {
		RunID     string `json:"run_id"`
		Requested int    `json:"requested"`
		Succeeded int    `json:"succeeded"`
		Failed    int    `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tally))
	assert.NotEmpty(t, tally.RunID)
	assert.Equal(t, 1, tally.Requested)
	assert.Equal(t, 1, tally.Succeeded)

	sum, err := env.summaries.Get(context.Background(), "client-a", models.PlatformMeta,
		period.Monthly, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.NotNil(t, sum)
}

func TestCollectClientBadRequests(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/collect/client", `{"period_id":"2025-10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/collect/client", `{"client_id":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/collect/client", `{"client_id":"client-a","period_id":"2025-W99"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/collect/client", `{"client_id":"client-a","period_id":"2026-02"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/collect/client", `{bad json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/collect/client", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCollectWeeklyAll(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/collect/weekly", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tally struct {
		Succeeded int `json:"succeeded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tally))
	// 2 trailing weeks, one platform, one client.
	assert.Equal(t, 2, tally.Succeeded)
}

func TestSummariesArchiveRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.summaries.Upsert(ctx, &models.PeriodSummary{
		ClientID:    "client-a",
		Platform:    models.PlatformMeta,
		SummaryType: period.Monthly,
		SummaryDate: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		TotalSpend:  77,
		DataSource:  "api",
		LastUpdated: serverNow,
	}))

	rec := env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&type=monthly&date=2025-10-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum models.PeriodSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, float64(77), sum.TotalSpend)

	rec = env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&type=monthly&date=2025-09-01", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=tiktok&type=monthly&date=2025-10-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&type=quarterly&date=2025-10-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummariesRangeMatchesByOverlap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := func(start time.Time, spend float64) {
		require.NoError(t, env.summaries.Upsert(ctx, &models.PeriodSummary{
			ClientID:    "client-a",
			Platform:    models.PlatformMeta,
			SummaryType: period.Monthly,
			SummaryDate: start,
			TotalSpend:  spend,
			DataSource:  "api",
			LastUpdated: serverNow,
		}))
	}
	seed(time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC), 10)
	seed(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), 20)

	// A range cutting into mid-October still matches the October period,
	// even though the period starts before the range does.
	rec := env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&type=monthly&from=2025-10-15&to=2025-11-12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []models.PeriodSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, float64(20), got[0].TotalSpend)

	rec = env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&type=monthly&from=2025-09-01&to=2025-10-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, float64(10), got[0].TotalSpend)

	rec = env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&type=monthly&from=2025-11-01&to=2025-11-12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got)

	rec = env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&type=monthly&from=2025-10-01&to=2025-09-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummariesCurrentPeriodThroughCache(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&period_id=2025-11", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum models.PeriodSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, float64(100), sum.TotalSpend)

	// The refresh populated the cache.
	entry, err := env.cache.Get(context.Background(), "client-a", models.PlatformMeta, "2025-11")
	require.NoError(t, err)
	assert.NotNil(t, entry)

	rec = env.do(t, http.MethodGet, "/api/summaries?client_id=client-a&platform=meta&period_id=not-a-period", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Seed a cache entry whose week has closed.
	require.NoError(t, env.cache.Put(ctx, &models.CacheEntry{
		PeriodID: "2025-W45",
		Summary: models.PeriodSummary{
			ClientID:    "client-a",
			Platform:    models.PlatformMeta,
			SummaryType: period.Weekly,
			SummaryDate: time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
			DataSource:  "api",
			LastUpdated: serverNow,
		},
		RefreshedAt: serverNow,
	}))

	rec := env.do(t, http.MethodPost, "/api/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"migrated":1`)
}

func TestRetentionSweepEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/retention/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "monthly_deleted")
}

func TestDailyKPIEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.kpi.Upsert(ctx, []models.DailyKPIRow{
		{ClientID: "client-a", Platform: models.PlatformMeta, Date: time.Date(2025, 11, 11, 0, 0, 0, 0, time.UTC), TotalSpend: 12},
	}))

	rec := env.do(t, http.MethodGet, "/api/kpi/daily?client_id=client-a&platform=meta&from=2025-11-01&to=2025-11-30", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []models.DailyKPIRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, float64(12), rows[0].TotalSpend)

	rec = env.do(t, http.MethodGet, "/api/kpi/daily?client_id=client-a&platform=meta&from=2025-11-30&to=2025-11-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/kpi/daily?client_id=client-a&platform=meta&from=bad&to=2025-11-30", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
