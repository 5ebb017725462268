package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	"github.com/glebarez/sqlite" // pure Go SQLite driver
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens the local SQLite database, configures the pool and runs the
// migrations for identities, references, the attendance log and the outbox.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	inMemory := IsMemoryDSN(cfg.File)
	if cfg.File != "" && !inMemory {
		dbDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)
	gdb, err := gorm.Open(sqlite.Open(dsn(cfg.File)), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if inMemory {
		// every connection to :memory: is its own database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetMaxOpenConns(16)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(gdb); err != nil {
		return nil, err
	}

	log.Info("Database ready")
	return gdb, nil
}

// Migrate creates or updates all tables.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&models.IdentityRecord{},
		&models.ReferenceRecord{},
		&models.AttendanceRecord{},
		&models.PendingEvent{},
	); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

// IsMemoryDSN reports whether the DSN points to an in-memory database.
func IsMemoryDSN(file string) bool {
	return strings.Contains(file, ":memory:") || strings.Contains(file, "mode=memory")
}

// dsn enables foreign keys so reference rows cascade with their identity.
func dsn(file string) string {
	sep := "?"
	if strings.Contains(file, "?") {
		sep = "&"
	}
	return file + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
