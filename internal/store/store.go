// Package store persists brew targets and the paired scale address
// across restarts, backed by a local SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/crema-labs/brewd/internal/control"
)

const addressKey = "scale_address"

// MemoryRecord is a persisted brew target slot.
type MemoryRecord struct {
	Position  int    `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"size:32;not null"`
	Target    float64
	Overshoot float64
	Color     string `gorm:"size:16"`
}

// Setting is a free-form key/value row for small singleton state.
type Setting struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"size:256"`
}

// Store defines the persistence operations the controller loop needs.
type Store interface {
	LoadMemories(ctx context.Context) []control.TargetMemory
	SaveMemories(ctx context.Context, memories []control.TargetMemory) error
	LoadAddress(ctx context.Context) (string, bool)
	SaveAddress(ctx context.Context, address string) error
	Close() error
}

type gormStore struct {
	db *gorm.DB
}

// Open opens or creates the SQLite database at path and migrates the
// schema.
func Open(path string) (Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&MemoryRecord{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &gormStore{db: db}, nil
}

// LoadMemories returns the persisted target slots in position order.
// Persistence must never block brewing, so any failure or empty table
// falls back to the built-in defaults.
func (s *gormStore) LoadMemories(ctx context.Context) []control.TargetMemory {
	var records []MemoryRecord
	err := s.db.WithContext(ctx).Order("position").Find(&records).Error
	if err != nil || len(records) == 0 {
		if err != nil {
			slog.Warn("[store] loading memories failed, using defaults", "error", err)
		}
		return control.DefaultMemories()
	}
	memories := make([]control.TargetMemory, 0, len(records))
	for _, r := range records {
		memories = append(memories, control.TargetMemory{
			Name:      r.Name,
			Target:    r.Target,
			Overshoot: r.Overshoot,
			Color:     r.Color,
		})
	}
	return memories
}

// SaveMemories replaces all persisted slots with the given list.
func (s *gormStore) SaveMemories(ctx context.Context, memories []control.TargetMemory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&MemoryRecord{}).Error; err != nil {
			return fmt.Errorf("store: clear memories: %w", err)
		}
		for i, m := range memories {
			record := MemoryRecord{
				Position:  i,
				Name:      m.Name,
				Target:    m.Target,
				Overshoot: m.Overshoot,
				Color:     m.Color,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("store: save memory %q: %w", m.Name, err)
			}
		}
		return nil
	})
}

// LoadAddress returns the last connected scale address, if one was saved.
func (s *gormStore) LoadAddress(ctx context.Context) (string, bool) {
	var setting Setting
	err := s.db.WithContext(ctx).First(&setting, "key = ?", addressKey).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Warn("[store] loading scale address failed", "error", err)
		}
		return "", false
	}
	if setting.Value == "" {
		return "", false
	}
	return setting.Value, true
}

// SaveAddress records the address of the scale that last connected.
func (s *gormStore) SaveAddress(ctx context.Context, address string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Key: addressKey, Value: address}).Error
	if err != nil {
		return fmt.Errorf("store: save address: %w", err)
	}
	return nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
