// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/miragespace/billing/db"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// New returns a gorm handle backed by a fresh SQLite file inside t.TempDir().
// Connections are capped at one so concurrent writers queue instead of failing with SQLITE_BUSY.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "billing.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	gdb, err := gorm.Open(sqlite.Open(dsn), db.Config(zap.NewNop()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	pool, err := gdb.DB()
	if err != nil {
		t.Fatalf("sqlite pool: %v", err)
	}
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() {
		pool.Close()
	})
	return gdb
}
