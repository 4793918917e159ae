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

	"github.com/Denis-Mist/ControlSystem/internal/app/migrate"
	"github.com/Denis-Mist/ControlSystem/internal/config"
	httpx "github.com/Denis-Mist/ControlSystem/internal/http"
	"github.com/Denis-Mist/ControlSystem/internal/logger"
	"github.com/Denis-Mist/ControlSystem/internal/repository/postgres"
	authsvc "github.com/Denis-Mist/ControlSystem/internal/service/auth"
	"github.com/Denis-Mist/ControlSystem/internal/service/defect"
	"github.com/Denis-Mist/ControlSystem/internal/service/project"
	"github.com/Denis-Mist/ControlSystem/internal/service/report"
	"github.com/Denis-Mist/ControlSystem/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	activityHub := ws.NewHub()

	authSvc := authsvc.New(repo, log, cfg)
	defectSvc := defect.New(repo, repo, repo, activityHub, log)
	projectSvc := project.New(repo, log)
	reportSvc := report.New(repo, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, defectSvc, projectSvc, reportSvc, activityHub, limiter, cfg.MaxAttachmentBytes, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
