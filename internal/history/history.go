// SPDX-License-Identifier: MIT

// Package history persists finished transcriptions to the history store
// (history.db) and serves the recent slice the context collector injects
// into rewrite.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultRetention is how many rows the store keeps before pruning.
const DefaultRetention = 500

// Entry is one persisted task result.
type Entry struct {
	ID          uint   `gorm:"primaryKey"`
	TaskID      string `gorm:"uniqueIndex;size:64"`
	CreatedAtMs int64  `gorm:"index"`
	ASRText     string
	FinalText   string
	TemplateID  *string
	RTF         float64
	DeviceUsed  string
	PreprocMs   int64
	ASRMs       int64
}

// Store wraps the sqlite-backed history table.
type Store struct {
	db        *gorm.DB
	retention int
	logger    *slog.Logger
}

// Open opens (and migrates) the history store at path.
func Open(path string, retention int, slogger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate history store: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention, logger: slogger}, nil
}

// Append persists one entry and prunes rows beyond the retention cap.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	s.prune(ctx)
	return nil
}

// RecentTexts returns the final texts of the most recent entries, newest
// first. It satisfies the context collector's HistorySource.
func (s *Store) RecentTexts(ctx context.Context, limit int) ([]string, error) {
	var texts []string
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Order("created_at_ms DESC").
		Limit(limit).
		Pluck("final_text", &texts).Error
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	return texts, nil
}

// Recent returns full entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Order("created_at_ms DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return entries, nil
}

// Count reports the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// prune drops the oldest rows beyond the retention cap. Failures are
// logged, not surfaced: persistence of the new row already succeeded.
func (s *Store) prune(ctx context.Context) {
	sub := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("id").
		Order("created_at_ms DESC").
		Limit(s.retention)
	res := s.db.WithContext(ctx).
		Where("id NOT IN (?)", sub).
		Delete(&Entry{})
	if res.Error != nil && s.logger != nil {
		s.logger.Warn("history prune failed", "error", res.Error)
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
