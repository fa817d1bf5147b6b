package database

import (
	"fmt"
	"os"
	"path/filepath"

	"kiosk-go/internal/config"
)

// NewStoreFromConfig opens the store selected by the database config type.
// An in-memory store is migrated on open since it starts empty every time.
func NewStoreFromConfig(cfg config.DatabaseConfig, kioskID string) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, kioskID+".db"))
	case "memory":
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
