package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/api/internal/app/migrate"
	httpx "github.com/splax/launchpad/api/internal/http"
	"github.com/splax/launchpad/api/internal/provider/github"
	"github.com/splax/launchpad/api/internal/provider/health"
	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/api/internal/repository/memory"
	"github.com/splax/launchpad/api/internal/repository/postgres"
	"github.com/splax/launchpad/api/internal/service/accounts"
	"github.com/splax/launchpad/api/internal/service/auth"
	"github.com/splax/launchpad/api/internal/service/orchestrator"
	"github.com/splax/launchpad/api/internal/service/status"
	"github.com/splax/launchpad/api/internal/service/templates"
	"github.com/splax/launchpad/api/internal/ws"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/crypto"
	"github.com/splax/launchpad/pkg/logger"
)

type store interface {
	repository.UserRepository
	repository.AccountLinkRepository
	repository.JobRepository
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	catalog, err := templates.Load(cfg.TemplatesFile)
	if err != nil {
		log.Error("failed to load template catalog", "path", cfg.TemplatesFile, "error", err)
		os.Exit(1)
	}

	box, err := crypto.NewBox(cfg.AccountEncryptionKey)
	if err != nil {
		log.Error("invalid account encryption key", "error", err)
		os.Exit(1)
	}

	gh, err := github.New(github.Options{
		BaseURL:       cfg.GitHubAPIURL,
		RatePerSecond: cfg.GitHubRatePerSecond,
		Burst:         cfg.GitHubRateBurst,
		Private:       cfg.PagesPrivateRepos,
	}, log)
	if err != nil {
		log.Error("failed to configure github provider", "error", err)
		os.Exit(1)
	}
	checker := health.New(cfg.HealthTimeout, log)

	hub := ws.NewHub()
	defer hub.Close()

	statusSvc := status.New(repo, hub, log)
	authSvc := auth.New(repo, log, cfg)
	accountSvc := accounts.New(repo, gh, box, log)
	orch := orchestrator.New(repo, catalog, gh, gh, checker, statusSvc, log, prometheus.DefaultRegisterer, orchestrator.Options{
		HealthInterval: cfg.HealthInterval,
		HealthAttempts: cfg.HealthAttempts,
	})

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Auth:         authSvc,
		Accounts:     accountSvc,
		Templates:    catalog,
		Orchestrator: orch,
		Status:       statusSvc,
		Hub:          hub,
	}, limiter, httpx.Options{
		UserWriteLimit: cfg.RateLimitPerMinute,
		WSBuffer:       cfg.WSBuffer,
		Registerer:     prometheus.DefaultRegisterer,
	}, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "templates", len(catalog.List(ctx)))
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		orch.Close()
		log.Info("api server stopped")
	case err := <-errorCh:
		orch.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore selects the job, user and account store. Postgres schemas are
// migrated before the pool is handed out.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(context.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store; jobs are lost on restart")
		return memory.New(), nil, func() {}, nil
	case config.StoreDriverPostgres:
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, nil, nil, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := runner.Up(migrateCtx); err != nil {
			return nil, nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return postgres.New(pool), pool.Ping, pool.Close, nil
	default:
		return nil, nil, nil, errors.New("unsupported STORE_DRIVER " + cfg.StoreDriver)
	}
}
