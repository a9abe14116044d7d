/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package content owns what is on screen: exactly one of the web renderer
// or the media renderer at any time. All mode transitions are serialized
// here.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skuld_signage/internal/events"
	"github.com/friendsincode/skuld_signage/internal/library"
	"github.com/friendsincode/skuld_signage/internal/player"
)

// ErrMediaNotFound is returned when an identifier resolves to nothing, even
// after a forced rescan.
var ErrMediaNotFound = errors.New("media item not found")

// Modes.
const (
	ModeWeb   = "web"
	ModeMedia = "media"
)

// Browser is the web renderer surface the router drives.
type Browser interface {
	Start(ctx context.Context, url string) error
	Restart(ctx context.Context, url string) error
	Stop()
	IsAlive() bool
}

// Player is the media renderer surface the router drives.
type Player interface {
	Play(ctx context.Context, item library.Item) error
	Stop()
	Pause()
	Resume()
	Status() player.Status
	SetFinishCallback(player.FinishCallback)
}

// Resolver looks up media items in the library.
type Resolver interface {
	ByIdentifier(ctx context.Context, id string) (*library.Item, error)
	ByPath(ctx context.Context, path string) (*library.Item, error)
	InvalidateCache()
}

// State is the persisted routing state, replayed at boot.
type State struct {
	Mode      string    `json:"mode"`
	URL       string    `json:"url"`
	MediaPath string    `json:"media_path,omitempty"`
	Paused    bool      `json:"paused"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the live snapshot exposed through the API.
type Status struct {
	Mode   string        `json:"mode"`
	URL    string        `json:"url"`
	Paused bool          `json:"paused"`
	Media  *library.Item `json:"media,omitempty"`
	Player player.Status `json:"player"`
}

// MediaFinishedHandler is offered a finished item before the router falls
// back to web mode. Returning true claims the event.
type MediaFinishedHandler func(item *library.Item) bool

// Router enforces renderer mutual exclusion. op serializes transitions end
// to end (including the blocking process work); mu guards only the state
// snapshot so Status never waits on a renderer.
type Router struct {
	browser   Browser
	player    Player
	resolver  Resolver
	bus       *events.Bus
	homepage  string
	statePath string
	logger    zerolog.Logger

	op sync.Mutex

	mu           sync.Mutex
	mode         string
	currentURL   string
	currentMedia *library.Item
	paused       bool

	handlerMu       sync.Mutex
	onMediaFinished MediaFinishedHandler
}

// New creates the router and loads any persisted state (without acting on
// it; see Restore). The player's finish callback is claimed by the router.
func New(browser Browser, p Player, resolver Resolver, bus *events.Bus, homepage, statePath string, logger zerolog.Logger) *Router {
	r := &Router{
		browser:   browser,
		player:    p,
		resolver:  resolver,
		bus:       bus,
		homepage:  homepage,
		statePath: statePath,
		logger:    logger.With().Str("component", "content").Logger(),
		mode:      ModeWeb,
	}
	r.currentURL = homepage
	r.loadState()
	p.SetFinishCallback(r.handleMediaStop)
	return r
}

// SetMediaFinishedHandler installs (or clears, with nil) the handler offered
// finished-media events before the web fallback.
func (r *Router) SetMediaFinishedHandler(h MediaFinishedHandler) {
	r.handlerMu.Lock()
	r.onMediaFinished = h
	r.handlerMu.Unlock()
}

// EnsureWeb puts the browser on screen at url (empty means the current URL,
// falling back to the homepage). Already showing that URL with a live
// browser is a no-op.
func (r *Router) EnsureWeb(ctx context.Context, url string) error {
	r.op.Lock()
	defer r.op.Unlock()
	return r.ensureWeb(ctx, url)
}

func (r *Router) ensureWeb(ctx context.Context, url string) error {
	r.mu.Lock()
	target := url
	if target == "" {
		target = r.currentURL
	}
	if target == "" {
		target = r.homepage
	}
	alreadyThere := r.mode == ModeWeb && r.currentURL == target
	r.mu.Unlock()

	if alreadyThere && r.browser.IsAlive() {
		return nil
	}

	r.player.Stop()
	if err := r.browser.Restart(ctx, target); err != nil {
		return err
	}

	r.mu.Lock()
	r.mode = ModeWeb
	r.currentURL = target
	r.currentMedia = nil
	r.paused = false
	r.mu.Unlock()

	r.saveState()
	r.notify()
	return nil
}

// Navigate restarts the browser at url and records it as current.
func (r *Router) Navigate(ctx context.Context, url string) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.player.Stop()
	if err := r.browser.Restart(ctx, url); err != nil {
		return err
	}

	r.mu.Lock()
	r.mode = ModeWeb
	r.currentURL = url
	r.currentMedia = nil
	r.paused = false
	r.mu.Unlock()

	r.saveState()
	r.notify()
	return nil
}

// PlayMedia resolves identifier and puts the media renderer on screen. An
// unknown identifier forces a library rescan before giving up.
func (r *Router) PlayMedia(ctx context.Context, identifier string) (*library.Item, error) {
	r.op.Lock()
	defer r.op.Unlock()

	item, err := r.resolver.ByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if item == nil {
		r.resolver.InvalidateCache()
		item, err = r.resolver.ByIdentifier(ctx, identifier)
		if err != nil {
			return nil, err
		}
	}
	if item == nil {
		return nil, ErrMediaNotFound
	}

	r.browser.Stop()
	if err := r.player.Play(ctx, *item); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.mode = ModeMedia
	r.currentMedia = item
	r.paused = false
	r.mu.Unlock()

	r.saveState()
	r.notify()
	return item, nil
}

// StopMedia ends any media session. With fallbackToWeb the browser returns
// to the current URL; otherwise only the media reference is cleared and the
// mode is left as-is.
func (r *Router) StopMedia(ctx context.Context, fallbackToWeb bool) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.player.Stop()
	if fallbackToWeb {
		return r.ensureWeb(ctx, "")
	}

	r.mu.Lock()
	r.currentMedia = nil
	r.paused = false
	r.mu.Unlock()

	r.saveState()
	r.notify()
	return nil
}

// PauseMedia pauses the media session. The paused flag is only recorded in
// media mode.
func (r *Router) PauseMedia() {
	r.op.Lock()
	defer r.op.Unlock()

	r.player.Pause()
	r.mu.Lock()
	if r.mode == ModeMedia {
		r.paused = true
	}
	r.mu.Unlock()

	r.saveState()
	r.notify()
}

// ResumeMedia resumes the media session.
func (r *Router) ResumeMedia() {
	r.op.Lock()
	defer r.op.Unlock()

	r.player.Resume()
	r.mu.Lock()
	if r.mode == ModeMedia {
		r.paused = false
	}
	r.mu.Unlock()

	r.saveState()
	r.notify()
}

// Status snapshots the routing state plus the player sub-status.
func (r *Router) Status() Status {
	r.mu.Lock()
	st := Status{
		Mode:   r.mode,
		URL:    r.currentURL,
		Paused: r.paused,
	}
	if r.currentMedia != nil {
		item := *r.currentMedia
		st.Media = &item
	}
	r.mu.Unlock()
	st.Player = r.player.Status()
	return st
}

// Restore replays the persisted state at boot: media mode re-resolves the
// path and replays it, falling back to web when the file is gone; web mode
// restarts the browser at the saved URL.
func (r *Router) Restore(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	mode := r.mode
	mediaPath := ""
	if r.currentMedia != nil {
		mediaPath = r.currentMedia.Path
	}
	url := r.currentURL
	r.mu.Unlock()

	if mode == ModeMedia && mediaPath != "" {
		item, err := r.resolver.ByPath(ctx, mediaPath)
		if err == nil && item == nil {
			r.resolver.InvalidateCache()
			item, err = r.resolver.ByPath(ctx, mediaPath)
		}
		if err != nil || item == nil {
			r.logger.Warn().Str("path", mediaPath).Msg("persisted media gone, falling back to web")
			return r.ensureWeb(ctx, url)
		}

		r.browser.Stop()
		if err := r.player.Play(ctx, *item); err != nil {
			r.logger.Warn().Err(err).Msg("media replay failed, falling back to web")
			return r.ensureWeb(ctx, url)
		}

		r.mu.Lock()
		r.mode = ModeMedia
		r.currentMedia = item
		r.paused = false
		r.mu.Unlock()

		r.saveState()
		r.notify()
		return nil
	}

	return r.ensureWeb(ctx, url)
}

// handleMediaStop runs on the player's monitor goroutine when a session
// ends naturally. The installed handler gets first claim; unclaimed events
// fall back to web mode at the current URL.
func (r *Router) handleMediaStop(item *library.Item) {
	r.mu.Lock()
	if r.mode != ModeMedia {
		r.mu.Unlock()
		return
	}
	if item == nil {
		item = r.currentMedia
	}
	resumeURL := r.currentURL
	if resumeURL == "" {
		resumeURL = r.homepage
	}
	r.mu.Unlock()

	r.bus.Publish(events.EventMediaFinished, events.Payload{"item": item})

	r.handlerMu.Lock()
	handler := r.onMediaFinished
	r.handlerMu.Unlock()
	if handler != nil {
		handled := func() (claimed bool) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Any("panic", rec).Msg("media finished handler panicked")
				}
			}()
			return handler(item)
		}()
		if handled {
			return
		}
	}

	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	stillMedia := r.mode == ModeMedia
	r.mu.Unlock()
	if !stillMedia {
		return
	}

	if err := r.browser.Start(context.Background(), resumeURL); err != nil {
		r.logger.Error().Err(err).Msg("web fallback after media end failed")
	}

	r.mu.Lock()
	r.mode = ModeWeb
	r.currentURL = resumeURL
	r.currentMedia = nil
	r.paused = false
	r.mu.Unlock()

	r.saveState()
	r.notify()
}

// saveState persists the snapshot; failures are logged, never fatal.
func (r *Router) saveState() {
	r.mu.Lock()
	st := State{
		Mode:      r.mode,
		URL:       r.currentURL,
		Paused:    r.paused,
		Timestamp: time.Now(),
	}
	if r.currentMedia != nil {
		st.MediaPath = r.currentMedia.Path
	}
	r.mu.Unlock()

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		r.logger.Warn().Err(err).Msg("state not serializable")
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
		r.logger.Warn().Err(err).Msg("state dir not writable")
		return
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		r.logger.Warn().Err(err).Msg("state not persisted")
		return
	}
	if err := os.Rename(tmp, r.statePath); err != nil {
		r.logger.Warn().Err(err).Msg("state not persisted")
	}
}

func (r *Router) loadState() {
	raw, err := os.ReadFile(r.statePath)
	if err != nil {
		return
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		r.logger.Warn().Err(err).Msg("persisted state corrupt, ignoring")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.Mode == ModeWeb || st.Mode == ModeMedia {
		r.mode = st.Mode
	}
	if st.URL != "" {
		r.currentURL = st.URL
	}
	if st.MediaPath != "" {
		r.currentMedia = &library.Item{Path: st.MediaPath}
	}
	r.paused = st.Paused
}

// notify publishes the post-transition snapshot on the bus.
func (r *Router) notify() {
	st := r.Status()
	r.bus.Publish(events.EventStateChanged, events.Payload{"status": st})
}
