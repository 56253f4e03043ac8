// Package database owns the gorm connection and schema migration for the
// metadata store (jobs and artifacts tables).
package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/reelforge/backend/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a postgres connection with pooling configured.
// The handle is returned to the caller for injection; there is no
// package-level connection.
func Connect(databaseURL string, debug bool) (*gorm.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database: DATABASE_URL is required")
	}

	gormLogger := logger.Default
	if debug {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// ConnectSQLite opens a sqlite database, used by tests and local development.
// Pass ":memory:" for an in-memory database.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path != ":memory:" && !strings.Contains(path, "?") {
		path += "?_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite handles one writer at a time; serializing connections keeps
	// concurrent CAS tests free of SQLITE_BUSY noise
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Migrate runs auto-migration for the jobs and artifacts tables
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := db.AutoMigrate(
		&models.Job{},
		&models.Artifact{},
	); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
