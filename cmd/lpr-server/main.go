package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irisdrone/checkpoint/internal/blacklist"
	"github.com/irisdrone/checkpoint/internal/config"
	"github.com/irisdrone/checkpoint/internal/database"
	"github.com/irisdrone/checkpoint/internal/handlers"
	"github.com/irisdrone/checkpoint/internal/health"
	"github.com/irisdrone/checkpoint/internal/ingest"
	"github.com/irisdrone/checkpoint/internal/logger"
	"github.com/irisdrone/checkpoint/internal/natsserver"
	"github.com/irisdrone/checkpoint/internal/notify"
	"github.com/irisdrone/checkpoint/internal/query"
	"go.uber.org/zap"
)

const (
	selfCheckInterval = time.Minute
	cleanupInterval   = 24 * time.Hour
)

func main() {
	cfg, loadedEnv, cfgErr := config.LoadServer()
	log := logger.MustNew(cfg.LogLevel, cfg.LogFormat, "lpr-server")
	defer log.Sync()

	if !loadedEnv {
		log.Info("no .env file found, using environment variables")
	}
	if cfgErr != nil {
		log.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	// Connect to database
	db, err := database.Open(cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("failed to start server", zap.Error(err))
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	// Start embedded NATS server for edge delivery
	ns, err := natsserver.New(natsserver.Config{Host: cfg.NATSHost, Port: cfg.NATSPort}, log)
	if err != nil {
		log.Fatal("failed to start NATS server", zap.Error(err))
	}
	defer ns.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Notification hub for WebSocket subscribers
	hub := notify.NewHub(ns.Conn(), log)
	go hub.Run(ctx)

	bl := blacklist.NewRepository(db, log)

	ingestServer := ingest.NewServer(ns.Conn(), ingest.NewService(db, bl, hub, log), ingest.ServerConfig{
		QueueSize:     cfg.WorkerQueueSize,
		HandleTimeout: 10 * time.Second,
	}, log)
	if err := ingestServer.Start(); err != nil {
		log.Fatal("failed to start ingestion", zap.Error(err))
	}

	facade := query.NewFacade(db, bl, query.Options{
		DefaultPerPage: cfg.DefaultPerPage,
		MaxPerPage:     cfg.MaxPerPage,
		ConnectedClients: func() int {
			return ns.NumClients() + hub.ClientCount()
		},
	}, log)

	aggregator := health.NewAggregator(db, log)
	checker := health.NewChecker(db, ns.Accepting, health.RealSnapshotSource{}, health.DefaultThresholds(), log)

	api := handlers.New(handlers.Deps{
		DB:      db,
		Query:   facade,
		Health:  aggregator,
		Checker: checker,
		Hub:     hub,
		NATS:    ns,
		Log:     log,
	})
	router := handlers.NewRouter(api, handlers.RouterConfig{
		Production:  cfg.Production(),
		CORSOrigins: cfg.CORSOrigins,
	})

	go runPeriodic(ctx, log, "self-check", selfCheckInterval, func(ctx context.Context) error {
		_, err := checker.Check(ctx)
		return err
	})
	go runPeriodic(ctx, log, "health cleanup", cleanupInterval, func(ctx context.Context) error {
		_, err := aggregator.Cleanup(ctx, cfg.HealthRetentionDays)
		return err
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("nats_url", ns.ClientURL()),
			zap.String("db_driver", cfg.DBDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	// in-progress ingestions finish before the database closes
	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ingestion shutdown incomplete", zap.Error(err))
	}
	cancel()
	log.Info("server stopped")
}

// runPeriodic calls fn every interval until ctx is done
func runPeriodic(ctx context.Context, log *zap.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval/2)
			if err := fn(runCtx); err != nil {
				log.Warn("periodic job failed", zap.String("job", name), zap.Error(err))
			}
			cancel()
		}
	}
}
