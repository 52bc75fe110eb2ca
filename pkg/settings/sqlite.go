package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Setting is one persisted key-value pair.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt int64
}

// SQLiteStore persists settings in a sqlite database file.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings db %s: %w", path, err)
	}

	// Every Set is a single synchronous commit.
	if err := db.Exec("PRAGMA synchronous = FULL").Error; err != nil {
		return nil, fmt.Errorf("failed to configure settings db: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate settings db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) (string, error) {
	if key == "" {
		return "", ErrNotFound
	}
	var setting Setting
	err := s.db.Where(&Setting{Key: key}).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return setting.Value, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	setting := Setting{Key: key, Value: value, UpdatedAt: time.Now().Unix()}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&setting).Error
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
