package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
)

// In-memory implementations of the storage interfaces. Used by tests and
// as a fallback when the backing services are unavailable.

// =============================================
// Summary store
// =============================================

// InMemorySummaryStore implements SummaryStore in a map keyed by the
// four-part composite key.
type InMemorySummaryStore struct {
	mu        sync.RWMutex
	summaries map[string]*models.PeriodSummary
	now       func() time.Time
}

// NewInMemorySummaryStore creates an empty in-memory summary store.
func NewInMemorySummaryStore() *InMemorySummaryStore {
	return &InMemorySummaryStore{
		summaries: make(map[string]*models.PeriodSummary),
		now:       time.Now,
	}
}

// SetNow overrides the write-time clock, for tests.
func (s *InMemorySummaryStore) SetNow(now func() time.Time) { s.now = now }

func (s *InMemorySummaryStore) Upsert(ctx context.Context, sum *models.PeriodSummary) error {
	if err := sum.Validate(s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sum
	cp.Campaigns = append([]models.CampaignFunnel(nil), sum.Campaigns...)
	s.summaries[sum.Key()] = &cp
	return nil
}

func (s *InMemorySummaryStore) Get(ctx context.Context, clientID string, platform models.Platform, g period.Granularity, date time.Time) (*models.PeriodSummary, error) {
	key := (&models.PeriodSummary{ClientID: clientID, Platform: platform, SummaryType: g, SummaryDate: date}).Key()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sum, ok := s.summaries[key]; ok {
		cp := *sum
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemorySummaryStore) ListDates(ctx context.Context, clientID string, platform models.Platform, g period.Granularity) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var dates []time.Time
	for _, sum := range s.summaries {
		if sum.ClientID == clientID && sum.Platform == platform && sum.SummaryType == g {
			dates = append(dates, sum.SummaryDate)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

func (s *InMemorySummaryStore) DeleteOutside(ctx context.Context, g period.Granularity, keep []time.Time) (int64, error) {
	keepSet := make(map[time.Time]bool, len(keep))
	for _, d := range keep {
		keepSet[d] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, sum := range s.summaries {
		if sum.SummaryType == g && !keepSet[sum.SummaryDate] {
			delete(s.summaries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored summaries.
func (s *InMemorySummaryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.summaries)
}

// =============================================
// Cache store
// =============================================

// InMemoryCacheStore implements CacheStore in a map.
type InMemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
}

// NewInMemoryCacheStore creates an empty in-memory cache store.
func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{entries: make(map[string]*models.CacheEntry)}
}

func memCacheKey(clientID string, platform models.Platform, periodID string) string {
	return clientID + "|" + string(platform) + "|" + periodID
}

func (s *InMemoryCacheStore) Get(ctx context.Context, clientID string, platform models.Platform, periodID string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[memCacheKey(clientID, platform, periodID)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryCacheStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[memCacheKey(entry.Summary.ClientID, entry.Summary.Platform, entry.PeriodID)] = &cp
	return nil
}

func (s *InMemoryCacheStore) Delete(ctx context.Context, clientID string, platform models.Platform, periodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memCacheKey(clientID, platform, periodID))
	return nil
}

func (s *InMemoryCacheStore) List(ctx context.Context) ([]*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// =============================================
// Daily KPI store
// =============================================

// InMemoryKPIStore implements DailyKPIStore in a map.
type InMemoryKPIStore struct {
	mu   sync.RWMutex
	rows map[string]models.DailyKPIRow
}

// NewInMemoryKPIStore creates an empty in-memory KPI store.
func NewInMemoryKPIStore() *InMemoryKPIStore {
	return &InMemoryKPIStore{rows: make(map[string]models.DailyKPIRow)}
}

func kpiKey(clientID string, platform models.Platform, date time.Time) string {
	return clientID + "|" + string(platform) + "|" + date.Format("2006-01-02")
}

func (s *InMemoryKPIStore) Upsert(ctx context.Context, rows []models.DailyKPIRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.rows[kpiKey(r.ClientID, r.Platform, r.Date)] = r
	}
	return nil
}

func (s *InMemoryKPIStore) Range(ctx context.Context, clientID string, platform models.Platform, from, to time.Time) ([]models.DailyKPIRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DailyKPIRow
	for _, r := range s.rows {
		if r.ClientID == clientID && r.Platform == platform && !r.Date.Before(from) && !r.Date.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryKPIStore) DeleteOutside(ctx context.Context, keep []time.Time) (int64, error) {
	keepSet := make(map[time.Time]bool, len(keep))
	for _, d := range keep {
		keepSet[d] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, r := range s.rows {
		if !keepSet[r.Date] {
			delete(s.rows, key)
			deleted++
		}
	}
	return deleted, nil
}

// =============================================
// Client repo
// =============================================

// InMemoryClientRepo implements ClientRepo in a map.
type InMemoryClientRepo struct {
	mu      sync.RWMutex
	clients map[string]*models.Client
}

// NewInMemoryClientRepo creates a client repo seeded with the given
// clients.
func NewInMemoryClientRepo(clients ...*models.Client) *InMemoryClientRepo {
	r := &InMemoryClientRepo{clients: make(map[string]*models.Client)}
	for _, c := range clients {
		cp := *c
		r.clients[c.ID] = &cp
	}
	return r
}

func (r *InMemoryClientRepo) ListAll(ctx context.Context) ([]*models.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Client, 0, len(r.clients))
	for _, c := range r.clients {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemoryClientRepo) GetByID(ctx context.Context, id string) (*models.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clients[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryClientRepo) SetHealth(ctx context.Context, id string, health models.ClientHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.Health = health
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}
