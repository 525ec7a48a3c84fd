// Package database opens the relational stores used by the server and the edge outbox.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/irisdrone/checkpoint/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// sqlitePragmas make every committed write survive a crash or power loss
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = FULL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// NowUTC stamps created_at/updated_at so stored times compare consistently in SQLite
func NowUTC() time.Time {
	return time.Now().UTC()
}

// Open connects to the server database for the given driver
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg := &gorm.Config{Logger: gormLogger(log), NowFunc: NowUTC}

	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		log.Info("database connected", zap.String("driver", DriverPostgres))
		return db, nil
	case DriverSQLite, "sqlite3":
		db, err := OpenSQLite(dsn, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("database connected", zap.String("driver", DriverSQLite), zap.String("path", dsn))
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenSQLite opens a single-writer SQLite file in WAL mode with full fsync
func OpenSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	if err := ensureSQLiteDirectory(path); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &gorm.Config{Logger: logger.Discard, NowFunc: NowUTC}
	}

	db, err := gorm.Open(gormsqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	// pragmas such as synchronous are per connection
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if err := db.Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

func ensureSQLiteDirectory(dsn string) error {
	candidate := strings.TrimSpace(dsn)
	if candidate == "" || candidate == ":memory:" {
		return nil
	}
	candidate = strings.TrimPrefix(candidate, "file:")
	if idx := strings.Index(candidate, "?"); idx >= 0 {
		candidate = candidate[:idx]
	}
	dir := filepath.Dir(candidate)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create sqlite directory %q: %w", dir, err)
	}
	return nil
}

// AutoMigrate creates or updates the server schema
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Camera{},
		&models.DetectionRecord{},
		&models.BlacklistEntry{},
		&models.HealthSample{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return nil
}

// Ping verifies the database answers within ctx
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// OptimizeResult reports what Optimize ran
type OptimizeResult struct {
	Dialect    string        `json:"dialect"`
	Statements []string      `json:"statements"`
	Duration   time.Duration `json:"duration"`
}

// Optimize reclaims space and refreshes planner statistics
func Optimize(ctx context.Context, db *gorm.DB) (OptimizeResult, error) {
	start := time.Now()
	res := OptimizeResult{Dialect: db.Dialector.Name()}

	switch res.Dialect {
	case DriverPostgres:
		for _, table := range []string{"cameras", "lpr_detections", "blacklist", "health_samples"} {
			res.Statements = append(res.Statements, "VACUUM ANALYZE "+table)
		}
	case DriverSQLite:
		res.Statements = []string{"VACUUM", "ANALYZE", "PRAGMA optimize"}
	default:
		return res, fmt.Errorf("optimize not supported for %s", res.Dialect)
	}

	for _, stmt := range res.Statements {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return res, fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}
	res.Duration = time.Since(start)
	return res, nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormLogger(log *zap.Logger) logger.Interface {
	if log == nil {
		return logger.Discard
	}
	return logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
