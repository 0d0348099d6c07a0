package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rlmgo/rlmgo/internal/infrastructure/config"
	"github.com/rlmgo/rlmgo/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the trajectory sink's sqlite database at
// cfg.DSN, creating its parent directory if missing, and migrates the
// schema. Postgres was on the table (spec's "optional trajectory sink"
// names no backend) but was dropped: a single-writer, single-process
// sink has no need for a network database, and sqlite keeps the runtime
// a single static binary plus one file.
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := expandHome(cfg.DSN)
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.TrajectoryRecordModel{},
	)
}

func expandHome(dsn string) string {
	if !strings.HasPrefix(dsn, "~/") {
		return dsn
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dsn
	}
	return filepath.Join(home, dsn[2:])
}
