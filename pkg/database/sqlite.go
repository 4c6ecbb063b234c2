package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenSQLite opens a SQLite database at path (":memory:" for an ephemeral one).
// The pool is pinned to one connection so an in-memory database is shared by
// every query on the returned handle.
func OpenSQLite(path string, verbose bool) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         newGormLogger(verbose),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db db() error: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
