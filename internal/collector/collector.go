// Package collector drives periodic ingestion: it walks the client roster,
// decides which periods are missing, fetches raw rows from the platform
// connectors, normalizes them and routes the result into the current-period
// cache or the historical archive.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/staylytics/funnel-core/internal/funnel"
	"github.com/staylytics/funnel-core/internal/metrics"
	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
	"github.com/staylytics/funnel-core/internal/platform"
	"github.com/staylytics/funnel-core/internal/storage"
)

// UnitState tracks one (client, platform, period) unit through a run.
type UnitState string

const (
	StateMissing  UnitState = "missing"
	StateFetching UnitState = "fetching"
	StateCached   UnitState = "cached"
	StateArchived UnitState = "archived"
	StateFailed   UnitState = "failed"
	StateSkipped  UnitState = "skipped"
)

// UnitFailure describes one unit that did not complete.
type UnitFailure struct {
	ClientID  string `json:"client_id"`
	Platform  string `json:"platform"`
	PeriodID  string `json:"period_id"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// RunResult is the tally of one collector batch. Failures never abort a
// run; they are recorded here instead.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Requested int           `json:"requested"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []UnitFailure `json:"failures"`

	mu sync.Mutex
}

func newRunResult() *RunResult {
	return &RunResult{RunID: uuid.New().String(), Failures: []UnitFailure{}}
}

func (r *RunResult) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requested++
	r.Succeeded++
}

func (r *RunResult) recordFailure(f UnitFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requested++
	r.Failed++
	r.Failures = append(r.Failures, f)
}

// Options tunes a Collector.
type Options struct {
	// Concurrency bounds the number of clients processed in parallel.
	// Within a client, platforms and periods are always sequential.
	Concurrency int
	// DailyCallBudget caps platform API calls per day across the run.
	DailyCallBudget int
	// InterClientDelay is the pause between finishing one client and
	// starting the next within a worker.
	InterClientDelay time.Duration
	// Backoff retries RateLimit/Upstream errors; credential errors are
	// never retried.
	Backoff platform.Backoff
	// TrailingMonths and TrailingWeeks bound how far back a batch run
	// looks for missing periods.
	TrailingMonths int
	TrailingWeeks  int
}

// DefaultOptions mirror the retention windows: no point collecting periods
// the janitor would immediately delete.
func DefaultOptions() Options {
	return Options{
		Concurrency:      3,
		DailyCallBudget:  40,
		InterClientDelay: 2 * time.Second,
		Backoff:          platform.Backoff{Base: 2 * time.Second, MaxAttempts: 3},
		TrailingMonths:   13,
		TrailingWeeks:    53,
	}
}

// Collector turns missing periods into cached or archived summaries.
type Collector struct {
	clients    storage.ClientRepo
	connectors platform.Registry
	normalizer *funnel.Normalizer
	cache      storage.CacheStore
	summaries  storage.SummaryStore
	kpi        storage.DailyKPIStore
	opts       Options
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewCollector wires a collector from its collaborators. kpi and m may be
// nil; daily KPI writes and metrics are then skipped.
func NewCollector(
	clients storage.ClientRepo,
	connectors platform.Registry,
	normalizer *funnel.Normalizer,
	cache storage.CacheStore,
	summaries storage.SummaryStore,
	kpi storage.DailyKPIStore,
	opts Options,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Collector {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.DailyCallBudget < 1 {
		opts.DailyCallBudget = 1
	}
	if opts.Backoff.MaxAttempts < 1 {
		opts.Backoff.MaxAttempts = 1
	}
	interval := 24 * time.Hour / time.Duration(opts.DailyCallBudget)
	return &Collector{
		clients:    clients,
		connectors: connectors,
		normalizer: normalizer,
		cache:      cache,
		summaries:  summaries,
		kpi:        kpi,
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Every(interval), opts.DailyCallBudget),
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (c *Collector) SetNow(now func() time.Time) { c.now = now }

// CollectClient collects for a single client. With a period id the run
// covers exactly that period on every platform the client has credentials
// for; without one it covers every missing trailing period, weekly and
// monthly.
func (c *Collector) CollectClient(ctx context.Context, clientID, periodID string) (*RunResult, error) {
	client, err := c.clients.GetByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("load client %s: %w", clientID, err)
	}
	if client == nil {
		return nil, fmt.Errorf("unknown client %q", clientID)
	}

	var units []period.Period
	if periodID != "" {
		p, err := period.Resolve(periodID)
		if err != nil {
			return nil, err
		}
		if p.Start.After(period.DateOf(c.now())) {
			return nil, fmt.Errorf("period %s starts in the future", p.Format())
		}
		units = []period.Period{p}
	}

	start := c.now()
	result := newRunResult()
	if periodID != "" {
		c.collectForClient(ctx, client, units, result)
	} else {
		c.collectForClient(ctx, client, c.trailing(period.Weekly), result)
		c.collectForClient(ctx, client, c.trailing(period.Monthly), result)
	}
	c.recordRun("client", time.Since(start))
	return result, nil
}

// CollectAll collects every missing period of one granularity for every
// client. Clients run in parallel up to the configured bound; one client's
// failures never abort the batch.
func (c *Collector) CollectAll(ctx context.Context, g period.Granularity) (*RunResult, error) {
	clients, err := c.clients.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	start := c.now()
	result := newRunResult()
	periods := c.trailing(g)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(c.opts.Concurrency)
	for _, client := range clients {
		client := client
		grp.Go(func() error {
			c.collectForClient(grpCtx, client, periods, result)
			if c.opts.InterClientDelay > 0 {
				select {
				case <-time.After(c.opts.InterClientDelay):
				case <-grpCtx.Done():
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return result, err
	}
	c.recordRun(string(g), time.Since(start))
	return result, nil
}

// CollectDaily fetches single-day totals for every client and platform and
// upserts them into the daily KPI store. No-op when no KPI store is wired.
func (c *Collector) CollectDaily(ctx context.Context, day time.Time) (*RunResult, error) {
	result := newRunResult()
	if c.kpi == nil {
		return result, nil
	}
	clients, err := c.clients.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	start := c.now()
	d := period.DateOf(day)
	r := period.Range{Start: d, End: d}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(c.opts.Concurrency)
	for _, client := range clients {
		client := client
		grp.Go(func() error {
			for _, pf := range client.ActivePlatforms() {
				rows, err := c.fetch(grpCtx, client, pf, r)
				if err != nil {
					result.recordFailure(UnitFailure{
						ClientID:  client.ID,
						Platform:  string(pf),
						PeriodID:  d.Format("2006-01-02"),
						ErrorKind: platform.ErrorKind(err),
						Message:   err.Error(),
					})
					continue
				}
				if err := c.kpi.Upsert(grpCtx, []models.DailyKPIRow{c.dailyRow(client.ID, pf, d, rows)}); err != nil {
					result.recordFailure(UnitFailure{
						ClientID:  client.ID,
						Platform:  string(pf),
						PeriodID:  d.Format("2006-01-02"),
						ErrorKind: platform.ErrorKind(err),
						Message:   err.Error(),
					})
					continue
				}
				result.recordSuccess()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return result, err
	}
	c.recordRun("daily", time.Since(start))
	return result, nil
}

// RefreshCurrent fetches and caches the given current period for one
// client and platform, returning the fresh entry. The smart cache calls
// this on stale or missing entries.
func (c *Collector) RefreshCurrent(ctx context.Context, client *models.Client, pf models.Platform, p period.Period) (*models.CacheEntry, error) {
	if !p.IsCurrent(c.now()) {
		return nil, fmt.Errorf("period %s is closed; refresh only serves current periods", p.Format())
	}
	sum, err := c.buildSummary(ctx, client, pf, p)
	if err != nil {
		return nil, err
	}
	entry := &models.CacheEntry{
		PeriodID:    p.ID(),
		Summary:     *sum,
		RefreshedAt: c.now().UTC(),
	}
	if err := c.cache.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("cache put %s: %w", sum.Key(), err)
	}
	return entry, nil
}

// collectForClient walks the given periods sequentially for every platform
// the client has credentials for. A credential failure flags the client
// degraded and skips its remaining units on that platform.
func (c *Collector) collectForClient(ctx context.Context, client *models.Client, periods []period.Period, result *RunResult) {
	platforms := client.ActivePlatforms()
	if len(platforms) == 0 {
		c.logger.Debug("client has no platform credentials", zap.String("client_id", client.ID))
		return
	}

	for _, pf := range platforms {
		for _, p := range periods {
			state, err := c.collectUnit(ctx, client, pf, p)
			if err != nil {
				result.recordFailure(UnitFailure{
					ClientID:  client.ID,
					Platform:  string(pf),
					PeriodID:  p.ID(),
					ErrorKind: platform.ErrorKind(err),
					Message:   err.Error(),
				})
				c.recordUnit(pf, StateFailed)
				if platform.IsCredential(err) {
					c.flagDegraded(ctx, client)
					c.logger.Warn("credential failure, skipping remaining periods",
						zap.String("client_id", client.ID),
						zap.String("platform", string(pf)))
					break
				}
				continue
			}
			if state == StateSkipped {
				continue
			}
			result.recordSuccess()
			c.recordUnit(pf, state)
		}
	}
}

// collectUnit advances one (client, platform, period) unit through the
// state machine: already-archived closed periods are skipped, current
// periods land in the cache, closed ones in the archive.
func (c *Collector) collectUnit(ctx context.Context, client *models.Client, pf models.Platform, p period.Period) (UnitState, error) {
	now := c.now()
	current := p.IsCurrent(now)

	if !current {
		existing, err := c.summaries.Get(ctx, client.ID, pf, p.Granularity, p.Start)
		if err != nil {
			return StateFailed, fmt.Errorf("check archive: %w", err)
		}
		if existing != nil {
			return StateSkipped, nil
		}
	}

	sum, err := c.buildSummary(ctx, client, pf, p)
	if err != nil {
		return StateFailed, err
	}

	if current {
		entry := &models.CacheEntry{PeriodID: p.ID(), Summary: *sum, RefreshedAt: now.UTC()}
		if err := c.cache.Put(ctx, entry); err != nil {
			return StateFailed, fmt.Errorf("cache put %s: %w", sum.Key(), err)
		}
		return StateCached, nil
	}

	if err := c.summaries.Upsert(ctx, sum); err != nil {
		c.recordUpsert(p.Granularity, "error")
		return StateFailed, fmt.Errorf("archive upsert %s: %w", sum.Key(), err)
	}
	c.recordUpsert(p.Granularity, "ok")
	return StateArchived, nil
}

// buildSummary fetches raw rows for the period (end capped at today for
// current periods) and normalizes them into a PeriodSummary.
func (c *Collector) buildSummary(ctx context.Context, client *models.Client, pf models.Platform, p period.Period) (*models.PeriodSummary, error) {
	r, err := p.FetchRange(c.now())
	if err != nil {
		return nil, err
	}
	rows, err := c.fetch(ctx, client, pf, r)
	if err != nil {
		return nil, err
	}

	agg, campaigns := c.normalizer.Normalize(rows)

	var spend float64
	var impressions, clicks int64
	for _, row := range rows {
		spend += row.Spend
		impressions += row.Impressions
		clicks += row.Clicks
	}
	agg.Derive(spend)

	return &models.PeriodSummary{
		ClientID:         client.ID,
		Platform:         pf,
		SummaryType:      p.Granularity,
		SummaryDate:      p.Start,
		TotalSpend:       spend,
		TotalImpressions: impressions,
		TotalClicks:      clicks,
		Funnel:           agg,
		Campaigns:        campaigns,
		DataSource:       "api",
		LastUpdated:      c.now().UTC(),
	}, nil
}

// fetch runs one connector call under the daily call budget and the retry
// policy.
func (c *Collector) fetch(ctx context.Context, client *models.Client, pf models.Platform, r period.Range) ([]models.RawInsightRow, error) {
	conn, ok := c.connectors[pf]
	if !ok {
		return nil, fmt.Errorf("no connector registered for platform %q", pf)
	}

	var rows []models.RawInsightRow
	err := c.opts.Backoff.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		var ferr error
		rows, ferr = conn.Fetch(ctx, client, r)
		if c.metrics != nil {
			outcome := "ok"
			if ferr != nil {
				outcome = platform.ErrorKind(ferr)
			}
			c.metrics.RecordFetch(string(pf), outcome, time.Since(start))
		}
		if ferr != nil && platform.Retryable(ferr) && c.metrics != nil {
			c.metrics.RecordRetry(string(pf), platform.ErrorKind(ferr))
		}
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Collector) flagDegraded(ctx context.Context, client *models.Client) {
	if err := c.clients.SetHealth(ctx, client.ID, models.HealthDegraded); err != nil {
		c.logger.Error("flag client degraded", zap.String("client_id", client.ID), zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.RecordHealthChange(string(models.HealthDegraded))
	}
}

func (c *Collector) trailing(g period.Granularity) []period.Period {
	n := c.opts.TrailingMonths
	if g == period.Weekly {
		n = c.opts.TrailingWeeks
	}
	return period.Trailing(g, c.now(), n)
}

func (c *Collector) recordRun(trigger string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordRun(trigger, d)
	}
}

func (c *Collector) recordUnit(pf models.Platform, state UnitState) {
	if c.metrics != nil {
		c.metrics.RecordUnit(string(pf), string(state))
	}
}

func (c *Collector) recordUpsert(g period.Granularity, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordUpsert(string(g), outcome)
	}
}

// dailyRow folds raw campaign rows into one day-total KPI row.
func (c *Collector) dailyRow(clientID string, pf models.Platform, day time.Time, rows []models.RawInsightRow) models.DailyKPIRow {
	out := models.DailyKPIRow{ClientID: clientID, Platform: pf, Date: day}
	for _, r := range rows {
		out.TotalSpend += r.Spend
		out.TotalImpressions += r.Impressions
		out.TotalClicks += r.Clicks
	}
	agg, _ := c.normalizer.Normalize(rows)
	out.ClickToCall = agg.ClickToCall
	out.Reservations = agg.Reservations
	out.ReservationValue = agg.ReservationValue
	return out
}
