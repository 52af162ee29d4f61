package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const MemoryPath = ":memory:"

// NewSQLiteDB opens the embedded store used when no Postgres host is
// configured. MemoryPath gives a private in-memory database.
func NewSQLiteDB(log *logrus.Logger, path string) (*gorm.DB, error) {
	entry := log.WithFields(logrus.Fields{
		"component": "database",
		"driver":    "sqlite",
		"path":      path,
	})

	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrate(db); err != nil {
		entry.WithError(err).Error("Database migration failed")
		return nil, err
	}

	entry.Info("Database connection established")
	return db, nil
}
