package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/irisdrone/checkpoint/internal/config"
	"github.com/irisdrone/checkpoint/internal/database"
	"github.com/irisdrone/checkpoint/internal/health"
	"github.com/irisdrone/checkpoint/internal/logger"
	"go.uber.org/zap"
)

func main() {
	days := flag.Int("cleanup-days", 0, "Delete health samples older than this many days (default HEALTH_RETENTION_DAYS)")
	skipCleanup := flag.Bool("skip-cleanup", false, "Do not delete old health samples")
	optimize := flag.Bool("optimize", false, "Reclaim space and refresh planner statistics afterwards")
	timeout := flag.Duration("timeout", 30*time.Minute, "Give up after this long")
	flag.Parse()

	cfg, loadedEnv, err := config.LoadServer()
	log := logger.MustNew(cfg.LogLevel, "console", "lpr-maintenance")
	defer log.Sync()

	if !loadedEnv {
		log.Info("no .env file found, using environment variables")
	}
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	db, err := database.Open(cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Println("Start maintenance...")

	if !*skipCleanup {
		retention := *days
		if retention == 0 {
			retention = cfg.HealthRetentionDays
		}
		deleted, err := health.NewAggregator(db, log).Cleanup(ctx, retention)
		if err != nil {
			log.Fatal("cleanup failed", zap.Error(err))
		}
		fmt.Printf("✅ Deleted %d health samples older than %d days\n", deleted, retention)
	}

	if *optimize {
		res, err := database.Optimize(ctx, db)
		if err != nil {
			log.Fatal("optimize failed", zap.Error(err))
		}
		fmt.Printf("✅ Optimized %s database in %s (%d statements)\n", res.Dialect, res.Duration.Round(time.Millisecond), len(res.Statements))
	}

	fmt.Println("Maintenance finished successfully")
}
