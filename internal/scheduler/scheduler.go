/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler drives playlist playback from the schedule table. One
// goroutine owns the tick loop, the per-item timer, and all scheduler
// state transitions; everything external talks to it through channels.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skuld_signage/internal/content"
	"github.com/friendsincode/skuld_signage/internal/library"
	"github.com/friendsincode/skuld_signage/internal/store"
	"github.com/friendsincode/skuld_signage/internal/telemetry"
)

// ContentController is the router surface the scheduler drives.
type ContentController interface {
	EnsureWeb(ctx context.Context, url string) error
	PlayMedia(ctx context.Context, identifier string) (*library.Item, error)
	Status() content.Status
	SetMediaFinishedHandler(content.MediaFinishedHandler)
}

// ScheduleSource resolves the current moment and loads playlists.
type ScheduleSource interface {
	Resolve(now time.Time) store.Resolution
	Playlist(id string) (store.Playlist, error)
}

// Status is the scheduler snapshot exposed through the API. ScheduleID is
// empty when the playlist came from the fallback policy.
type Status struct {
	Active     bool   `json:"active"`
	PlaylistID string `json:"playlist_id,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
	Index      int    `json:"index"`
}

const (
	minTickInterval  = 5 * time.Second
	minImageDuration = 5 * time.Second
)

// Scheduler evaluates the schedule table every tick and walks the active
// playlist item by item. Timed items advance on a timer; natural-length
// items advance when the router offers their finished event.
type Scheduler struct {
	router   ContentController
	source   ScheduleSource
	homepage string
	tick     time.Duration
	imageDur time.Duration
	logger   zerolog.Logger

	refreshC chan struct{}
	advanceC chan struct{}

	mu         sync.Mutex
	running    bool
	active     bool
	playlistID string
	scheduleID string
	index      int
	cancel     context.CancelFunc
	doneC      chan struct{}
}

// New creates the scheduler. Floors are applied to both intervals.
func New(router ContentController, source ScheduleSource, homepage string, tick, imageDur time.Duration, logger zerolog.Logger) *Scheduler {
	if tick < minTickInterval {
		tick = minTickInterval
	}
	if imageDur < minImageDuration {
		imageDur = minImageDuration
	}
	return &Scheduler{
		router:   router,
		source:   source,
		homepage: homepage,
		tick:     tick,
		imageDur: imageDur,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		refreshC: make(chan struct{}, 1),
		advanceC: make(chan struct{}, 1),
	}
}

// Start launches the loop and installs the finished-media handler. Starting
// a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.doneC = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	s.router.SetMediaFinishedHandler(s.handleMediaFinished)
	go s.run(ctx)
	s.logger.Info().Dur("tick", s.tick).Msg("scheduler started")
}

// Stop uninstalls the handler, cancels the loop, and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.doneC
	s.mu.Unlock()

	s.router.SetMediaFinishedHandler(nil)
	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.active = false
	s.playlistID = ""
	s.scheduleID = ""
	s.index = 0
	s.mu.Unlock()
	s.logger.Info().Msg("scheduler stopped")
}

// RequestRefresh asks the loop for an out-of-band evaluation, e.g. after a
// schedule edit. Never blocks.
func (s *Scheduler) RequestRefresh() {
	select {
	case s.refreshC <- struct{}{}:
	default:
	}
}

// Snapshot returns the scheduler status.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Active:     s.active,
		PlaylistID: s.playlistID,
		ScheduleID: s.scheduleID,
		Index:      s.index,
	}
}

// handleMediaFinished claims finished events only while a playlist is
// active, converting them into advance requests on the loop.
func (s *Scheduler) handleMediaFinished(item *library.Item) bool {
	s.mu.Lock()
	claim := s.running && s.active
	s.mu.Unlock()
	if !claim {
		return false
	}
	select {
	case s.advanceC <- struct{}{}:
	default:
	}
	return true
}

// run owns the ticker and the item timer. Every branch funnels through
// apply, which is the only place the timer is reset or cleared.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneC)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var timer *time.Timer
	var timerC <-chan time.Time
	clearTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer clearTimer()

	apply := func(d time.Duration, reset bool) {
		if !reset {
			return
		}
		clearTimer()
		if d > 0 {
			timer = time.NewTimer(d)
			timerC = timer.C
		}
	}

	apply(s.evaluate(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apply(s.evaluate(ctx))
		case <-s.refreshC:
			apply(s.evaluate(ctx))
		case <-s.advanceC:
			apply(s.advance(ctx))
		case <-timerC:
			timerC = nil
			apply(s.advance(ctx))
		}
	}
}

// evaluate resolves the current moment and converges the screen on the
// result. The returned duration/reset pair feeds the item timer.
func (s *Scheduler) evaluate(ctx context.Context) (time.Duration, bool) {
	telemetry.SchedulerTicksTotal.Inc()

	res := s.source.Resolve(time.Now())
	if res.Mode == store.ModePlaylist && res.PlaylistID != "" {
		return s.activatePlaylist(ctx, res.PlaylistID, res.ScheduleID)
	}

	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.playlistID = ""
	s.scheduleID = ""
	s.index = 0
	s.mu.Unlock()

	url := res.URL
	if url == "" {
		url = s.homepage
	}
	if err := s.router.EnsureWeb(ctx, url); err != nil {
		s.logger.Error().Err(err).Str("url", url).Msg("web fallback not reachable")
	}
	return 0, wasActive
}

// activatePlaylist starts the playlist/schedule pair, or re-asserts a pair
// that is already active. Re-assert checks the mode only: an active pair
// with the router in media mode is left entirely alone.
func (s *Scheduler) activatePlaylist(ctx context.Context, playlistID, scheduleID string) (time.Duration, bool) {
	s.mu.Lock()
	samePair := s.active && s.playlistID == playlistID && s.scheduleID == scheduleID
	s.mu.Unlock()

	if samePair {
		if s.router.Status().Mode == content.ModeMedia {
			return 0, false
		}
		s.logger.Warn().Str("playlist", playlistID).Msg("playlist active but screen lost, re-asserting")
		return s.playCurrent(ctx)
	}

	s.mu.Lock()
	s.active = true
	s.playlistID = playlistID
	s.scheduleID = scheduleID
	s.index = 0
	s.mu.Unlock()

	s.logger.Info().Str("playlist", playlistID).Str("schedule", scheduleID).Msg("playlist activated")
	return s.playCurrent(ctx)
}

// playCurrent plays the item at the current index, wrapping past the end
// and skipping items whose media is gone. Gives up after one full lap of
// missing items.
func (s *Scheduler) playCurrent(ctx context.Context) (time.Duration, bool) {
	for attempts := 0; ; attempts++ {
		s.mu.Lock()
		if !s.active || s.playlistID == "" {
			s.mu.Unlock()
			return 0, true
		}
		playlistID := s.playlistID
		idx := s.index
		s.mu.Unlock()

		playlist, err := s.source.Playlist(playlistID)
		if err != nil || len(playlist.Items) == 0 {
			s.logger.Warn().Str("playlist", playlistID).Msg("active playlist vanished or empty, deactivating")
			s.deactivate()
			return 0, true
		}
		if attempts >= len(playlist.Items) {
			s.logger.Error().Str("playlist", playlistID).Msg("no playable items in playlist")
			return 0, true
		}
		if idx >= len(playlist.Items) {
			idx = 0
			s.mu.Lock()
			s.index = 0
			s.mu.Unlock()
		}

		entry := playlist.Items[idx]
		item, err := s.router.PlayMedia(ctx, entry.MediaID)
		if errors.Is(err, content.ErrMediaNotFound) {
			s.logger.Warn().Str("media", entry.MediaID).Msg("playlist item missing, skipping")
			s.mu.Lock()
			s.index = idx + 1
			s.mu.Unlock()
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("media", entry.MediaID).Msg("playlist item not playable")
			return 0, true
		}

		dur := time.Duration(entry.Duration) * time.Second
		if dur <= 0 && item.Kind == library.KindImage {
			dur = s.imageDur
		}
		return dur, true
	}
}

// advance moves to the next item.
func (s *Scheduler) advance(ctx context.Context) (time.Duration, bool) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0, false
	}
	s.index++
	s.mu.Unlock()
	return s.playCurrent(ctx)
}

func (s *Scheduler) deactivate() {
	s.mu.Lock()
	s.active = false
	s.playlistID = ""
	s.scheduleID = ""
	s.index = 0
	s.mu.Unlock()
}
