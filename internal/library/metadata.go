/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// MetadataStore keeps per-item metadata (currently tags) in a JSON sidecar
// file keyed by item identifier.
type MetadataStore struct {
	path   string
	logger zerolog.Logger

	mu   sync.Mutex
	data map[string]metaEntry
}

type metaEntry struct {
	Tags []string `json:"tags,omitempty"`
}

// NewMetadataStore loads the sidecar at path; a missing file is an empty
// store.
func NewMetadataStore(path string, logger zerolog.Logger) *MetadataStore {
	s := &MetadataStore{
		path:   path,
		logger: logger.With().Str("component", "media-meta").Logger(),
		data:   make(map[string]metaEntry),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("metadata sidecar unreadable, starting empty")
		}
		return s
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.logger.Warn().Err(err).Msg("metadata sidecar corrupt, starting empty")
		s.data = make(map[string]metaEntry)
	}
	return s
}

// Tags returns the tags recorded for id, sorted.
func (s *MetadataStore) Tags(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[id]
	if !ok {
		return nil
	}
	return append([]string(nil), entry.Tags...)
}

// SetTags replaces the tags for id, deduplicated and sorted. An empty set
// removes the entry.
func (s *MetadataStore) SetTags(id string, tags []string) error {
	seen := make(map[string]bool, len(tags))
	cleaned := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		cleaned = append(cleaned, t)
	}
	sort.Strings(cleaned)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cleaned) == 0 {
		delete(s.data, id)
	} else {
		s.data[id] = metaEntry{Tags: cleaned}
	}
	return s.saveLocked()
}

// Remove drops all metadata for id.
func (s *MetadataStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return nil
	}
	delete(s.data, id)
	return s.saveLocked()
}

func (s *MetadataStore) saveLocked() error {
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
	return os.Rename(tmp, s.path)
}
