// Package httpserver exposes the collector's trigger and query surface
// over HTTP JSON.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/collector"
	"github.com/staylytics/funnel-core/internal/config"
	"github.com/staylytics/funnel-core/internal/database"
	"github.com/staylytics/funnel-core/internal/funnel"
	"github.com/staylytics/funnel-core/internal/metrics"
	"github.com/staylytics/funnel-core/internal/models"
	"github.com/staylytics/funnel-core/internal/period"
	"github.com/staylytics/funnel-core/internal/platform"
	"github.com/staylytics/funnel-core/internal/storage"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB         *database.PostgresDB
	Redis      *database.RedisDB
	ClickHouse *database.ClickHouseDB
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server wraps the HTTP handlers around the collector services.
type Server struct {
	collector  *collector.Collector
	smartCache *collector.SmartCache
	archiver   *collector.Archiver
	janitor    *collector.Janitor
	clients    storage.ClientRepo
	summaries  storage.SummaryStore
	kpi        storage.DailyKPIStore
	logger     *zap.Logger
	config     *config.Config
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewServer wires the services behind the HTTP surface. When a backing
// store is absent its in-memory implementation is used, so the server
// always comes up.
func NewServer(deps *Dependencies) *Server {
	var summaries storage.SummaryStore
	var clients storage.ClientRepo
	if deps.DB != nil {
		summaries = storage.NewPostgresSummaryStore(deps.DB.Pool)
		clients = storage.NewPostgresClientRepo(deps.DB.Pool)
	} else {
		summaries = storage.NewInMemorySummaryStore()
		clients = storage.NewInMemoryClientRepo()
	}

	var cache storage.CacheStore
	if deps.Redis != nil {
		cache = storage.NewRedisCacheStore(deps.Redis.Client)
	} else {
		cache = storage.NewInMemoryCacheStore()
	}

	var kpi storage.DailyKPIStore
	if deps.ClickHouse != nil {
		kpi = storage.NewClickHouseKPIStore(deps.ClickHouse.Conn)
	} else {
		kpi = storage.NewInMemoryKPIStore()
	}

	meta := platform.NewMetaConnector(platform.NewHTTPClient(deps.Config.Meta.Timeout), deps.Logger)
	google := platform.NewGoogleConnector(
		platform.NewHTTPClient(deps.Config.Google.Timeout),
		platform.GoogleOAuthApp{
			ClientID:     deps.Config.Google.ClientID,
			ClientSecret: deps.Config.Google.ClientSecret,
		},
		deps.Logger,
	)
	registry := platform.NewRegistry(meta, google)

	normalizer := funnel.NewNormalizer(deps.Logger)
	coll := collector.NewCollector(clients, registry, normalizer, cache, summaries, kpi,
		collector.Options{
			Concurrency:      deps.Config.Collector.Concurrency,
			DailyCallBudget:  deps.Config.Collector.DailyCallBudget,
			InterClientDelay: deps.Config.Collector.InterClientDelay,
			Backoff: platform.Backoff{
				Base:        deps.Config.Collector.RetryBase,
				MaxAttempts: deps.Config.Collector.RetryAttempts,
			},
			TrailingMonths: deps.Config.Retention.Months,
			TrailingWeeks:  deps.Config.Retention.Weeks,
		},
		deps.Logger, deps.Metrics)

	s := &Server{
		collector:  coll,
		smartCache: collector.NewSmartCache(cache, summaries, coll, deps.Config.Cache.TTL, deps.Logger, deps.Metrics),
		archiver:   collector.NewArchiver(cache, summaries, deps.Logger, deps.Metrics),
		janitor: collector.NewJanitor(summaries, kpi, collector.RetentionPolicy{
			Months:      deps.Config.Retention.Months,
			Weeks:       deps.Config.Retention.Weeks,
			DailyBuffer: deps.Config.Retention.DailyBuffer,
		}, deps.Logger, deps.Metrics),
		clients:   clients,
		summaries: summaries,
		kpi:       kpi,
		logger:    deps.Logger,
		config:    deps.Config,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
	return s
}

// Handler returns the route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	mux.Handle("/metrics", metrics.Handler())

	// Collection triggers
	mux.HandleFunc("/api/collect/client", s.handleCollectClient)
	mux.HandleFunc("/api/collect/weekly", s.handleCollectWeekly)
	mux.HandleFunc("/api/collect/monthly", s.handleCollectMonthly)

	// Maintenance triggers
	mux.HandleFunc("/api/archive", s.handleArchive)
	mux.HandleFunc("/api/retention/sweep", s.handleRetentionSweep)

	// Queries
	mux.HandleFunc("/api/summaries", s.handleSummaries)
	mux.HandleFunc("/api/kpi/daily", s.handleDailyKPI)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// ---- Collection Triggers ----

type collectClientRequest struct {
	ClientID string `json:"client_id"`
	PeriodID string `json:"period_id,omitempty"`
}

func (s *Server) handleCollectClient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req collectClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		s.errorResponse(w, "client_id required", http.StatusBadRequest)
		return
	}
	if req.PeriodID != "" {
		p, err := period.Resolve(req.PeriodID)
		if err != nil {
			s.errorResponse(w, "invalid period_id: "+err.Error(), http.StatusBadRequest)
			return
		}
		if p.Start.After(period.DateOf(s.now())) {
			s.errorResponse(w, "period "+p.Format()+" starts in the future", http.StatusBadRequest)
			return
		}
	}
	client, err := s.clients.GetByID(r.Context(), req.ClientID)
	if err != nil {
		s.logger.Error("load client", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if client == nil {
		s.errorResponse(w, "unknown client "+req.ClientID, http.StatusBadRequest)
		return
	}

	res, err := s.collector.CollectClient(r.Context(), req.ClientID, req.PeriodID)
	if err != nil {
		s.logger.Error("collect client", zap.String("client_id", req.ClientID), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, res)
}

func (s *Server) handleCollectWeekly(w http.ResponseWriter, r *http.Request) {
	s.handleCollectAll(w, r, period.Weekly)
}

func (s *Server) handleCollectMonthly(w http.ResponseWriter, r *http.Request) {
	s.handleCollectAll(w, r, period.Monthly)
}

func (s *Server) handleCollectAll(w http.ResponseWriter, r *http.Request, g period.Granularity) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := s.collector.CollectAll(r.Context(), g)
	if err != nil {
		s.logger.Error("collect all", zap.String("granularity", string(g)), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, res)
}

// ---- Maintenance ----

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	migrated, err := s.archiver.Archive(r.Context())
	if err != nil {
		s.logger.Error("archive", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]int{"migrated": migrated})
}

func (s *Server) handleRetentionSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := s.janitor.Sweep(r.Context(), s.now())
	if err != nil {
		s.logger.Error("retention sweep", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, res)
}

// ---- Queries ----

// handleSummaries serves period reads. With period_id the read goes
// through the smart cache (current periods refreshed as needed, closed
// ones from the archive); with type+date it reads the archive directly;
// with type+from+to it lists every archived period overlapping the range.
func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	pf := models.Platform(q.Get("platform"))
	if clientID == "" || !pf.Valid() {
		s.errorResponse(w, "client_id and a valid platform are required", http.StatusBadRequest)
		return
	}

	if periodID := q.Get("period_id"); periodID != "" {
		client, err := s.clients.GetByID(r.Context(), clientID)
		if err != nil {
			s.logger.Error("load client", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if client == nil {
			s.errorResponse(w, "unknown client "+clientID, http.StatusBadRequest)
			return
		}
		sum, err := s.smartCache.Get(r.Context(), client, pf, periodID)
		if err != nil {
			if _, rerr := period.Resolve(periodID); rerr != nil {
				s.errorResponse(w, "invalid period_id: "+rerr.Error(), http.StatusBadRequest)
				return
			}
			s.logger.Error("smart cache read", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if sum == nil {
			http.NotFound(w, r)
			return
		}
		s.jsonResponse(w, sum)
		return
	}

	g := period.Granularity(q.Get("type"))
	if !g.Valid() {
		s.errorResponse(w, "type must be monthly or weekly", http.StatusBadRequest)
		return
	}

	if q.Get("from") != "" || q.Get("to") != "" {
		s.handleSummariesRange(w, r, clientID, pf, g)
		return
	}

	date, err := time.ParseInLocation("2006-01-02", q.Get("date"), time.UTC)
	if err != nil {
		s.errorResponse(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	sum, err := s.summaries.Get(r.Context(), clientID, pf, g, date)
	if err != nil {
		s.logger.Error("summary read", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sum == nil {
		http.NotFound(w, r)
		return
	}
	s.jsonResponse(w, sum)
}

// handleSummariesRange lists archived periods by overlap, so a request
// covering today still matches a period whose effective end is capped at
// today.
func (s *Server) handleSummariesRange(w http.ResponseWriter, r *http.Request, clientID string, pf models.Platform, g period.Granularity) {
	q := r.URL.Query()
	from, err := time.ParseInLocation("2006-01-02", q.Get("from"), time.UTC)
	if err != nil {
		s.errorResponse(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := time.ParseInLocation("2006-01-02", q.Get("to"), time.UTC)
	if err != nil {
		s.errorResponse(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if to.Before(from) {
		s.errorResponse(w, "to must not precede from", http.StatusBadRequest)
		return
	}

	dates, err := s.summaries.ListDates(r.Context(), clientID, pf, g)
	if err != nil {
		s.logger.Error("list summary dates", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	want := period.Range{Start: from, End: to}
	out := []*models.PeriodSummary{}
	for _, d := range dates {
		if !period.FromStart(g, d).Overlaps(want) {
			continue
		}
		sum, err := s.summaries.Get(r.Context(), clientID, pf, g, d)
		if err != nil {
			s.logger.Error("summary read", zap.Error(err))
			s.errorResponse(w, "internal error", http.StatusInternalServerError)
			return
		}
		if sum != nil {
			out = append(out, sum)
		}
	}
	s.jsonResponse(w, out)
}

func (s *Server) handleDailyKPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	pf := models.Platform(q.Get("platform"))
	if clientID == "" || !pf.Valid() {
		s.errorResponse(w, "client_id and a valid platform are required", http.StatusBadRequest)
		return
	}
	from, err := time.ParseInLocation("2006-01-02", q.Get("from"), time.UTC)
	if err != nil {
		s.errorResponse(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := time.ParseInLocation("2006-01-02", q.Get("to"), time.UTC)
	if err != nil {
		s.errorResponse(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if to.Before(from) {
		s.errorResponse(w, "to must not precede from", http.StatusBadRequest)
		return
	}

	rows, err := s.kpi.Range(r.Context(), clientID, pf, from, to)
	if err != nil {
		s.logger.Error("daily kpi read", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []models.DailyKPIRow{}
	}
	s.jsonResponse(w, rows)
}

// ---- Helpers ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Collector exposes the wired collector for the in-process scheduler.
func (s *Server) Collector() *collector.Collector { return s.collector }

// Janitor exposes the wired janitor for the in-process scheduler.
func (s *Server) Janitor() *collector.Janitor { return s.janitor }

// Archiver exposes the wired archiver for the in-process scheduler.
func (s *Server) Archiver() *collector.Archiver { return s.archiver }
