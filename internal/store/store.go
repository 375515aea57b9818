package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gmsas95/medx/internal/config"
	"github.com/gmsas95/medx/internal/preferences"
)

// DefaultUserID is the profile created on first start for single-user installs.
const DefaultUserID = "default"

// Store provides unified access to SQLite and BadgerDB
type Store struct {
	db       *gorm.DB
	badger   *badger.DB
	defaults *preferences.Gate
}

// New creates a new Store instance
func New(cfg *config.Config) (*Store, error) {
	sqlDB, err := openSQLite(cfg.Storage)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&User{},
		&MedicationRecord{},
		&PreferenceRecord{},
		&NotificationRecord{},
		&DearOne{},
		&Permission{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	badgerDB, err := openBadger(cfg.Storage)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:       db,
		badger:   badgerDB,
		defaults: preferences.NewGate(cfg.DefaultPreferences()),
	}

	if err := store.createDefaultUser(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create default user: %w", err)
	}

	return store, nil
}

func openSQLite(cfg config.StorageConfig) (*sql.DB, error) {
	if cfg.InMemory {
		sqlDB, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
		return sqlDB, nil
	}

	path := cfg.SQLitePath
	if path == "" {
		path = filepath.Join(cfg.DataDir, "medx.db")
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return sqlDB, nil
}

func openBadger(cfg config.StorageConfig) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := cfg.BadgerPath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "badger")
		}
		opts = badger.DefaultOptions(path).
			WithNumVersionsToKeep(1).
			WithCompactL0OnClose(true).
			WithValueLogFileSize(16 << 20).
			WithMemTableSize(16 << 20)
	}

	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// SetDefaultPreferences replaces the settings users without saved
// preferences get.
func (s *Store) SetDefaultPreferences(p preferences.Preferences) {
	s.defaults.Replace(p)
}

// Close closes all database connections
func (s *Store) Close() error {
	var firstErr error
	if sqlDB, err := s.db.DB(); err == nil {
		firstErr = sqlDB.Close()
	}
	if err := s.badger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DB returns the GORM database instance
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks both backends.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if s.badger.IsClosed() {
		return fmt.Errorf("badger: closed")
	}
	return nil
}

// createDefaultUser creates a default user if the database is empty
func (s *Store) createDefaultUser() error {
	var count int64
	if err := s.db.Model(&User{}).Count(&count).Error; err != nil {
		return err
	}

	if count == 0 {
		return s.db.Create(&User{ID: DefaultUserID, DisplayName: "User"}).Error
	}

	return nil
}
