/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrPlaylistNotFound = errors.New("playlist not found")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// document is the on-disk shape of the playlist file.
type document struct {
	Playlists []Playlist `json:"playlists"`
	Schedules []Schedule `json:"schedules"`
	Fallback  Fallback   `json:"fallback"`
}

// Store owns the playlist JSON file. External edits are picked up via the
// file's mtime on the next read; every mutation rewrites the file
// atomically.
type Store struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	data   document
	mtime  time.Time
	loaded bool
}

// New creates a store over the document at path. The file is read lazily on
// first access.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "playlist-store").Logger(),
		data:   document{Fallback: Fallback{Mode: ModeWeb}},
	}
}

// refreshLocked re-reads the document when the file changed since the last
// read. A missing file resets to the empty document; a corrupt file is
// logged and treated as empty rather than taking the device down.
func (s *Store) refreshLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		if s.loaded || !os.IsNotExist(err) {
			s.logger.Debug().Err(err).Msg("playlist file not readable, using empty document")
		}
		s.data = document{Fallback: Fallback{Mode: ModeWeb}}
		s.mtime = time.Time{}
		s.loaded = true
		return
	}
	if s.loaded && info.ModTime().Equal(s.mtime) {
		return
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("playlist file unreadable, keeping previous document")
		return
	}
	var doc document
	doc.Fallback = Fallback{Mode: ModeWeb}
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn().Err(err).Msg("playlist file corrupt, using empty document")
		doc = document{Fallback: Fallback{Mode: ModeWeb}}
	}
	if doc.Fallback.Mode == "" {
		doc.Fallback.Mode = ModeWeb
	}
	s.data = doc
	s.mtime = info.ModTime()
	s.loaded = true
	s.logger.Debug().
		Int("playlists", len(doc.Playlists)).
		Int("schedules", len(doc.Schedules)).
		Msg("playlist document reloaded")
}

// saveLocked writes the document atomically and records the new mtime so the
// write does not look like an external edit.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.mtime = info.ModTime()
	}
	s.loaded = true
	return nil
}

// Playlists returns all playlists.
func (s *Store) Playlists() []Playlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return append([]Playlist(nil), s.data.Playlists...)
}

// Playlist returns the playlist with the given id.
func (s *Store) Playlist(id string) (Playlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	for _, p := range s.data.Playlists {
		if p.ID == id {
			return p, nil
		}
	}
	return Playlist{}, ErrPlaylistNotFound
}

// UpsertPlaylist inserts or replaces a playlist by id.
func (s *Store) UpsertPlaylist(p Playlist) error {
	if p.ID == "" {
		return &ValidationError{Reason: "playlist id is required"}
	}
	for i, item := range p.Items {
		if item.MediaID == "" {
			return &ValidationError{Reason: fmt.Sprintf("playlist item %d has no media_id", i)}
		}
		if item.Duration < 0 {
			return &ValidationError{Reason: fmt.Sprintf("playlist item %d has negative duration", i)}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	replaced := false
	for i := range s.data.Playlists {
		if s.data.Playlists[i].ID == p.ID {
			s.data.Playlists[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.data.Playlists = append(s.data.Playlists, p)
	}
	return s.saveLocked()
}

// DeletePlaylist removes a playlist by id.
func (s *Store) DeletePlaylist(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	for i := range s.data.Playlists {
		if s.data.Playlists[i].ID == id {
			s.data.Playlists = append(s.data.Playlists[:i], s.data.Playlists[i+1:]...)
			return s.saveLocked()
		}
	}
	return ErrPlaylistNotFound
}

// Schedules returns all schedules in stored order.
func (s *Store) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return append([]Schedule(nil), s.data.Schedules...)
}

// Schedule returns the schedule with the given id.
func (s *Store) Schedule(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	for _, sc := range s.data.Schedules {
		if sc.ID == id {
			return sc, nil
		}
	}
	return Schedule{}, ErrScheduleNotFound
}

// UpsertSchedule inserts or replaces a schedule by id. The referenced
// playlist does not have to exist yet; a schedule pointing at a missing
// playlist resolves normally and simply has nothing to play until the
// playlist appears.
func (s *Store) UpsertSchedule(sc Schedule) error {
	if sc.ID == "" {
		return &ValidationError{Reason: "schedule id is required"}
	}
	if sc.PlaylistID == "" {
		return &ValidationError{Reason: "schedule playlist_id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	replaced := false
	for i := range s.data.Schedules {
		if s.data.Schedules[i].ID == sc.ID {
			s.data.Schedules[i] = sc
			replaced = true
			break
		}
	}
	if !replaced {
		s.data.Schedules = append(s.data.Schedules, sc)
	}
	return s.saveLocked()
}

// DeleteSchedule removes a schedule by id.
func (s *Store) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	for i := range s.data.Schedules {
		if s.data.Schedules[i].ID == id {
			s.data.Schedules = append(s.data.Schedules[:i], s.data.Schedules[i+1:]...)
			return s.saveLocked()
		}
	}
	return ErrScheduleNotFound
}

// FallbackConfig returns the current fallback policy.
func (s *Store) FallbackConfig() Fallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.data.Fallback
}

// SetFallback replaces the fallback policy.
func (s *Store) SetFallback(f Fallback) error {
	if f.Mode != ModeWeb && f.Mode != ModePlaylist {
		return &ValidationError{Reason: fmt.Sprintf("fallback mode must be %q or %q", ModeWeb, ModePlaylist)}
	}
	if f.Mode == ModePlaylist && f.PlaylistID == "" {
		return &ValidationError{Reason: "playlist fallback requires playlist_id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	s.data.Fallback = f
	return s.saveLocked()
}

// Resolve decides what should be on screen at now: the first schedule (in
// stored order) whose window contains now wins; otherwise the fallback
// policy applies.
func (s *Store) Resolve(now time.Time) Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	for _, sc := range s.data.Schedules {
		if sc.ActiveAt(now) {
			return Resolution{Mode: ModePlaylist, PlaylistID: sc.PlaylistID, ScheduleID: sc.ID}
		}
	}

	fb := s.data.Fallback
	if fb.Mode == ModePlaylist && fb.PlaylistID != "" {
		return Resolution{Mode: ModePlaylist, PlaylistID: fb.PlaylistID}
	}
	return Resolution{Mode: ModeWeb, URL: fb.URL}
}
