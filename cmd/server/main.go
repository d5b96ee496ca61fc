package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/trip-matching/internal/config"
	"github.com/example/trip-matching/internal/events"
	httpapi "github.com/example/trip-matching/internal/http"
	"github.com/example/trip-matching/internal/lock"
	"github.com/example/trip-matching/internal/logging"
	"github.com/example/trip-matching/internal/matcher"
	"github.com/example/trip-matching/internal/notify"
	"github.com/example/trip-matching/internal/osrm"
	"github.com/example/trip-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var (
		store  storage.ResultStore
		points storage.PointSource
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			path := filepath.Join("migrations", "001_create_trips.sql")
			b, err := os.ReadFile(path)
			if err != nil {
				logger.Error("read migration", "path", path, "error", err)
				os.Exit(1)
			}
			if _, err := pg.DB().Exec(string(b)); err != nil {
				logger.Error("apply migration", "path", path, "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "path", path)
		}
		store, points = pg, pg
	} else {
		mem := storage.NewMemoryStore()
		store, points = mem, mem
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var road matcher.RoadMatcher
	if cfg.OSRMEndpoint != "" {
		road = osrm.NewClient(cfg.OSRMEndpoint, cfg.OSRMTimeout)
	} else {
		logger.Warn("OSRM_ENDPOINT not set, match attempts will be refused")
	}

	var guard matcher.Guard
	if cfg.RedisAddr != "" {
		guard = lock.NewRedisGuard(cfg.RedisAddr, cfg.RedisPassword, cfg.GuardTTL)
	} else {
		guard = lock.NewMemoryGuard(cfg.GuardTTL)
	}

	var sink matcher.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		sink = producer
	}

	wsreg := notify.NewRegistry()

	svc := &matcher.Service{
		Store:        store,
		Points:       points,
		Road:         road,
		Guard:        guard,
		Events:       sink,
		Notify:       wsreg,
		Logger:       logger,
		FetchTimeout: cfg.PointsFetchTimeout,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, store, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("trip-matching listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
