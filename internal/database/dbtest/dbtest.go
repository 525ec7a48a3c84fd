// Package dbtest provides throwaway migrated SQLite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/irisdrone/checkpoint/internal/database"
	"gorm.io/gorm"
)

// New opens a migrated server schema in a temp file that is closed when the test ends
func New(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "lpr.sqlite"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close(db)
	})
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}
