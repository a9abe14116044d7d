/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package library

import (
	"context"
	"encoding/json"
	"io/fs"
	"mime"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Root is one directory tree contributing media to the index.
type Root struct {
	Name string
	Path string
}

// Library scans the configured roots and caches the resulting index until
// invalidated or force-rescanned.
type Library struct {
	roots        []Root
	meta         *MetadataStore
	ffprobeBin   string
	probeTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	items  []Item // nil means the cache is invalid
	byID   map[string]int
	byPath map[string]int
}

// New builds a library over roots. Metadata may be nil when tags are not
// wanted. ffprobe is optional; without it items carry no probe data.
func New(roots []Root, meta *MetadataStore, probeTimeout time.Duration, logger zerolog.Logger) *Library {
	l := &Library{
		roots:        roots,
		meta:         meta,
		probeTimeout: probeTimeout,
		logger:       logger.With().Str("component", "library").Logger(),
	}
	if bin, err := exec.LookPath("ffprobe"); err == nil {
		l.ffprobeBin = bin
	} else {
		l.logger.Warn().Msg("ffprobe not found; media will be indexed without duration or dimensions")
	}
	return l
}

// Scan returns the current index, walking the roots when the cache is
// invalid or force is set.
func (l *Library) Scan(ctx context.Context, force bool) ([]Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items != nil && !force {
		return append([]Item(nil), l.items...), nil
	}
	if err := l.rescanLocked(ctx); err != nil {
		return nil, err
	}
	return append([]Item(nil), l.items...), nil
}

// ByIdentifier resolves an item by its stable identifier, scanning first if
// the cache is invalid. Returns nil when the identifier is unknown.
func (l *Library) ByIdentifier(ctx context.Context, id string) (*Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items == nil {
		if err := l.rescanLocked(ctx); err != nil {
			return nil, err
		}
	}
	if idx, ok := l.byID[id]; ok {
		item := l.items[idx]
		return &item, nil
	}
	return nil, nil
}

// ByPath resolves an item by absolute path.
func (l *Library) ByPath(ctx context.Context, path string) (*Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items == nil {
		if err := l.rescanLocked(ctx); err != nil {
			return nil, err
		}
	}
	if idx, ok := l.byPath[path]; ok {
		item := l.items[idx]
		return &item, nil
	}
	return nil, nil
}

// InvalidateCache marks the index stale; the next lookup rescans.
func (l *Library) InvalidateCache() {
	l.mu.Lock()
	l.items = nil
	l.byID = nil
	l.byPath = nil
	l.mu.Unlock()
}

func (l *Library) rescanLocked(ctx context.Context) error {
	start := time.Now()
	var items []Item
	for _, root := range l.roots {
		rootItems, err := l.scanRoot(ctx, root)
		if err != nil {
			l.logger.Warn().Err(err).Str("root", root.Path).Msg("media root not scannable")
			continue
		}
		items = append(items, rootItems...)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Source != items[j].Source {
			return items[i].Source < items[j].Source
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})

	l.items = items
	l.byID = make(map[string]int, len(items))
	l.byPath = make(map[string]int, len(items))
	for i, item := range items {
		l.byID[item.Identifier] = i
		l.byPath[item.Path] = i
	}
	l.logger.Debug().Int("items", len(items)).Dur("took", time.Since(start)).Msg("media index rebuilt")
	return nil
}

func (l *Library) scanRoot(ctx context.Context, root Root) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root.Path {
				return err
			}
			l.logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable entry")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		kind, ok := Classify(path)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root.Path, path)
		if err != nil {
			return nil
		}
		item := Item{
			Identifier: root.Name + ":" + filepath.ToSlash(rel),
			Name:       d.Name(),
			Source:     root.Name,
			Path:       path,
			Kind:       kind,
			Size:       info.Size(),
			Modified:   info.ModTime(),
			Tags:       []string{},
		}
		if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mt != "" {
			item.MIME = mt
		}
		if kind != KindImage {
			l.probe(ctx, &item)
		}
		if l.meta != nil {
			if tags := l.meta.Tags(item.Identifier); len(tags) > 0 {
				item.Tags = tags
			}
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// probeResult mirrors ffprobe's -of json output for the fields we read.
type probeResult struct {
	Streams []struct {
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		Duration string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (l *Library) probe(ctx context.Context, item *Item) {
	if l.ffprobeBin == "" {
		return
	}
	stream := "v:0"
	if item.Kind == KindAudio {
		stream = "a:0"
	}
	ctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, l.ffprobeBin,
		"-v", "error",
		"-select_streams", stream,
		"-show_entries", "stream=width,height,duration:format=duration",
		"-of", "json",
		item.Path,
	)
	out, err := cmd.Output()
	if err != nil {
		l.logger.Debug().Err(err).Str("path", item.Path).Msg("ffprobe failed")
		return
	}
	var res probeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return
	}
	if len(res.Streams) > 0 {
		item.Width = res.Streams[0].Width
		item.Height = res.Streams[0].Height
		if d, err := strconv.ParseFloat(res.Streams[0].Duration, 64); err == nil {
			item.Duration = d
		}
	}
	if item.Duration == 0 {
		if d, err := strconv.ParseFloat(res.Format.Duration, 64); err == nil {
			item.Duration = d
		}
	}
}
