/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package history journals content transitions to a local sqlite file so
// operators can see what a device showed and when.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/friendsincode/skuld_signage/internal/content"
	"github.com/friendsincode/skuld_signage/internal/events"
)

// Entry is one recorded content transition.
type Entry struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Mode       string    `gorm:"index" json:"mode"`
	URL        string    `json:"url,omitempty"`
	MediaID    string    `json:"media_id,omitempty"`
	MediaName  string    `json:"media_name,omitempty"`
	Source     string    `json:"source,omitempty"`
	OccurredAt time.Time `gorm:"index" json:"occurred_at"`
	CreatedAt  time.Time `json:"-"`
}

// Service subscribes to state-change events and journals them.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger

	lastKey string
}

// Open opens (and migrates) the journal database at path.
func Open(path string, bus *events.Bus, logger zerolog.Logger) (*Service, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "history").Logger(),
	}, nil
}

// Start consumes state-change events until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	stateChanged := s.bus.Subscribe(events.EventStateChanged)
	defer s.bus.Unsubscribe(events.EventStateChanged, stateChanged)

	s.logger.Info().Msg("history journal started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("history journal stopping")
			return
		case payload := <-stateChanged:
			s.recordPayload(ctx, payload)
		}
	}
}

func (s *Service) recordPayload(ctx context.Context, payload events.Payload) {
	status, ok := payload["status"].(content.Status)
	if !ok {
		return
	}

	entry := &Entry{
		Mode:       status.Mode,
		URL:        status.URL,
		OccurredAt: time.Now(),
	}
	if status.Media != nil {
		entry.MediaID = status.Media.Identifier
		entry.MediaName = status.Media.Name
		entry.Source = status.Media.Source
	}

	// Consecutive pause/resume updates on the same content are noise.
	key := entry.Mode + "|" + entry.URL + "|" + entry.MediaID
	if key == s.lastKey {
		return
	}
	s.lastKey = key

	if err := s.Record(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("mode", entry.Mode).Msg("failed to journal transition")
	}
}

// Record writes an entry directly.
func (s *Service) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// Recent returns the newest entries, most recent first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Close releases the underlying connection.
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
