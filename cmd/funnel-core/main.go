package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/staylytics/funnel-core/internal/config"
	"github.com/staylytics/funnel-core/internal/database"
	"github.com/staylytics/funnel-core/internal/httpserver"
	"github.com/staylytics/funnel-core/internal/metrics"
	"github.com/staylytics/funnel-core/internal/middleware"
	"github.com/staylytics/funnel-core/internal/period"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting funnel-core",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics("funnel")

	// Connect to the backing stores. Each one degrades independently to
	// its in-memory counterpart so a development instance comes up bare.
	var db *database.PostgresDB
	db, err = database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
	}

	var redis *database.RedisDB
	redis, err = database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, using in-memory cache", zap.Error(err))
		redis = nil
	} else {
		defer redis.Close()
	}

	var ch *database.ClickHouseDB
	if cfg.ClickHouse.Enabled {
		ch, err = database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, using in-memory KPI store", zap.Error(err))
			ch = nil
		} else {
			defer ch.Close()
		}
	}

	srv := httpserver.NewServer(&httpserver.Dependencies{
		DB:         db,
		Redis:      redis,
		ClickHouse: ch,
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
	})

	// Middleware chain, outermost first: recovery, logging, rate
	// limiting, auth.
	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimit.SetMetrics(m)
	handler := middleware.NewRecoveryMiddleware(logger).Handler(
		middleware.NewLoggingMiddleware(logger).Handler(
			rateLimit.Handler(
				middleware.NewAuthMiddleware(cfg.Auth, logger).Handler(
					srv.Handler(),
				),
			),
		),
	)

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if db != nil || redis != nil {
		go sampleStoreStats(ctx, db, redis, m)
	}

	if cfg.Scheduler.Enabled {
		go runScheduler(ctx, cfg.Scheduler, srv, logger)
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// sampleStoreStats publishes connection-pool gauges and Redis ping latency
// every 30 seconds until ctx is cancelled.
func sampleStoreStats(ctx context.Context, db *database.PostgresDB, redis *database.RedisDB, m *metrics.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				st := db.Stats()
				m.UpdateDBStats(int(st.IdleConns()), int(st.AcquiredConns()), int(st.TotalConns()))
			}
			if redis != nil {
				start := time.Now()
				if err := redis.Health(ctx); err == nil {
					m.RecordRedisLatency("ping", time.Since(start))
				}
			}
		}
	}
}

// runScheduler stands in for external cron: it triggers weekly and monthly
// collection, daily KPI collection, archiving and the retention sweep on
// their configured intervals until ctx is cancelled.
func runScheduler(ctx context.Context, cfg config.SchedulerConfig, srv *httpserver.Server, logger *zap.Logger) {
	weekly := time.NewTicker(cfg.WeeklyInterval)
	monthly := time.NewTicker(cfg.MonthlyInterval)
	daily := time.NewTicker(cfg.DailyInterval)
	sweep := time.NewTicker(cfg.SweepInterval)
	defer weekly.Stop()
	defer monthly.Stop()
	defer daily.Stop()
	defer sweep.Stop()

	logger.Info("in-process scheduler running",
		zap.Duration("weekly", cfg.WeeklyInterval),
		zap.Duration("monthly", cfg.MonthlyInterval),
		zap.Duration("daily", cfg.DailyInterval),
		zap.Duration("sweep", cfg.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-weekly.C:
			if res, err := srv.Collector().CollectAll(ctx, period.Weekly); err != nil {
				logger.Error("scheduled weekly collection", zap.Error(err))
			} else {
				logger.Info("scheduled weekly collection done",
					zap.String("run_id", res.RunID),
					zap.Int("succeeded", res.Succeeded),
					zap.Int("failed", res.Failed))
			}
		case <-monthly.C:
			if res, err := srv.Collector().CollectAll(ctx, period.Monthly); err != nil {
				logger.Error("scheduled monthly collection", zap.Error(err))
			} else {
				logger.Info("scheduled monthly collection done",
					zap.String("run_id", res.RunID),
					zap.Int("succeeded", res.Succeeded),
					zap.Int("failed", res.Failed))
			}
		case <-daily.C:
			if res, err := srv.Collector().CollectDaily(ctx, time.Now()); err != nil {
				logger.Error("scheduled daily KPI collection", zap.Error(err))
			} else {
				logger.Info("scheduled daily KPI collection done",
					zap.String("run_id", res.RunID),
					zap.Int("succeeded", res.Succeeded),
					zap.Int("failed", res.Failed))
			}
			if migrated, err := srv.Archiver().Archive(ctx); err != nil {
				logger.Error("scheduled archive pass", zap.Error(err))
			} else if migrated > 0 {
				logger.Info("scheduled archive pass done", zap.Int("migrated", migrated))
			}
		case <-sweep.C:
			if res, err := srv.Janitor().Sweep(ctx, time.Now()); err != nil {
				logger.Error("scheduled retention sweep", zap.Error(err))
			} else {
				logger.Info("scheduled retention sweep done",
					zap.Int64("monthly_deleted", res.Monthly),
					zap.Int64("weekly_deleted", res.Weekly),
					zap.Int64("daily_deleted", res.Daily))
			}
		}
	}
}
