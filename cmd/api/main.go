package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/42yash/pyk8s-labs/internal/app/migrate"
	"github.com/42yash/pyk8s-labs/internal/docker"
	httpx "github.com/42yash/pyk8s-labs/internal/http"
	"github.com/42yash/pyk8s-labs/internal/notify"
	"github.com/42yash/pyk8s-labs/internal/provider"
	"github.com/42yash/pyk8s-labs/internal/ratelimit"
	"github.com/42yash/pyk8s-labs/internal/repository"
	"github.com/42yash/pyk8s-labs/internal/repository/memory"
	"github.com/42yash/pyk8s-labs/internal/repository/postgres"
	"github.com/42yash/pyk8s-labs/internal/service/auth"
	"github.com/42yash/pyk8s-labs/internal/service/cluster"
	"github.com/42yash/pyk8s-labs/internal/service/reaper"
	"github.com/42yash/pyk8s-labs/internal/service/team"
	"github.com/42yash/pyk8s-labs/internal/service/workflow"
	"github.com/42yash/pyk8s-labs/internal/session"
	"github.com/42yash/pyk8s-labs/internal/ws"
	"github.com/42yash/pyk8s-labs/pkg/config"
	"github.com/42yash/pyk8s-labs/pkg/crypto"
	"github.com/42yash/pyk8s-labs/pkg/logger"
)

const listenerRetryDelay = 2 * time.Second

// store is the full persistence surface the API needs.
type store interface {
	repository.UserRepository
	repository.TeamRepository
	repository.ClusterRepository
}

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		logger.New("api", slog.LevelInfo).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger) error {
	checks := make(map[string]httpx.HealthCheck)

	repo, closeStore, err := openStore(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("configure credential sealer: %w", err)
	}

	bus, err := openBus(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer bus.Close()

	hub := ws.NewHub(log)
	go superviseListener(ctx, notify.NewListener(bus, hub, log), log)

	// Exec is unavailable without Docker, but lifecycle operations still
	// work through the provider CLIs.
	var execer provider.ContainerExecer
	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Warn("docker client unavailable, terminal sessions disabled", "error", err)
	} else {
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable", "error", err)
		}
		execer = dockerClient
		checks["docker"] = dockerClient.Ping
	}
	registry := provider.NewRegistry(
		provider.NewKind(provider.ExecRunner{}, execer),
		provider.NewK3d(provider.ExecRunner{}, execer),
	)

	pool := workflow.NewPool(cfg.WorkerPoolSize, log)
	executor := workflow.NewExecutor(repo, registry, sealer, bus, log)
	scheduler := workflow.NewScheduler(pool, executor, cfg.ProvisionTimeout, cfg.TeardownTimeout)

	reap := reaper.New(repo, bus, scheduler, log, cfg.ReapInterval, reaper.Timeouts{
		Provision: cfg.ProvisionTimeout,
		Teardown:  cfg.TeardownTimeout,
	})
	if report, err := reap.Recover(ctx); err != nil {
		log.Error("startup recovery failed", "error", err)
	} else {
		log.Info("startup recovery complete", "resumed", report.Resumed, "abandoned", report.Abandoned, "failed", report.Failed)
	}
	go reap.Run(ctx)

	authSvc := auth.New(repo, log, cfg.JWTSecret, cfg.AccessTokenTTL)
	teamSvc := team.New(repo, repo, log)
	clusterSvc := cluster.New(repo, repo, registry, scheduler, bus, sealer, log, cluster.Options{
		DefaultProvider: "kind",
		DefaultTTL:      time.Duration(cfg.DefaultTTLHours) * time.Hour,
		MaxTTL:          time.Duration(cfg.MaxTTLHours) * time.Hour,
	})
	relay := session.NewRelay(clusterSvc, registry, cfg.TerminalCommand, log)

	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		shared, err := ratelimit.DialRedis(ctx, addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, counting in memory", "error", err)
		} else {
			limiter = shared
			checks["rate_limiter"] = shared.Ping
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:       log,
		Auth:         authSvc,
		Teams:        teamSvc,
		Clusters:     clusterSvc,
		Hub:          hub,
		Relay:        relay,
		Limiter:      limiter,
		HealthChecks: checks,
		SendBuffer:   cfg.WSSendBuffer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "storage", cfg.StorageDriver, "providers", registry.Names())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	router.Close()
	if err := pool.Close(shutdownCtx); err != nil {
		log.Warn("workflows cancelled at shutdown", "error", err)
	}
	log.Info("api server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger, checks map[string]httpx.HealthCheck) (store, func(), error) {
	if strings.EqualFold(cfg.StorageDriver, "memory") {
		log.Warn("using in-memory storage, records are lost on restart")
		return memory.New(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return nil, nil, err
	}
	if err := runner.Ensure(ctx); err != nil {
		runner.Close()
		return nil, nil, err
	}
	checks["database"] = pool.Ping
	return postgres.New(pool), runner.Close, nil
}

func openBus(ctx context.Context, cfg config.APIConfig, log *slog.Logger, checks map[string]httpx.HealthCheck) (notify.Bus, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Warn("REDIS_ADDR not set, status notifications stay in this process")
		return notify.NewMemoryBus(), nil
	}
	bus, err := notify.NewRedisBus(ctx, addr, cfg.RedisPassword, cfg.RedisDB, cfg.NotifyChannel)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	checks["bus"] = bus.Ping
	return bus, nil
}

// superviseListener restarts the status listener after a subscription
// failure until ctx is cancelled.
func superviseListener(ctx context.Context, listener *notify.Listener, log *slog.Logger) {
	for {
		err := listener.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Error("status listener exited, restarting", "error", err, "delay", listenerRetryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenerRetryDelay):
		}
	}
}
