/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package player renders media files through mpv (video/audio) and imv
// (images). mpv sessions carry a JSON IPC channel over a unix socket; imv
// sessions have no control channel and are stop-only.
package player

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skuld_signage/internal/library"
)

const stopGracePeriod = 5 * time.Second

// Status is the player sub-status exposed through the API.
type Status struct {
	Playing  bool          `json:"playing"`
	Paused   bool          `json:"paused"`
	Position *float64      `json:"position,omitempty"`
	Item     *library.Item `json:"item,omitempty"`
}

// FinishCallback receives the item whose session ended on its own.
type FinishCallback func(item *library.Item)

// Adapter supervises at most one renderer process at a time. There is no
// auto-restart: a session that ends, for any reason, fires the finished
// callback once and leaves the screen to the owner.
type Adapter struct {
	mpvBinary  string
	imvBinary  string
	socketPath string
	logger     zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	kind     library.Kind
	current  *library.Item
	paused   bool
	onFinish FinishCallback
}

// New creates the adapter. Nothing is launched until Play.
func New(mpvBinary, imvBinary, socketPath string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		mpvBinary:  mpvBinary,
		imvBinary:  imvBinary,
		socketPath: socketPath,
		logger:     logger.With().Str("component", "player").Logger(),
	}
}

// SetFinishCallback registers the finished handler. Pass nil to clear.
func (a *Adapter) SetFinishCallback(fn FinishCallback) {
	a.mu.Lock()
	a.onFinish = fn
	a.mu.Unlock()
}

// Play renders item, stopping any current session first.
func (a *Adapter) Play(ctx context.Context, item library.Item) error {
	a.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	var cmd *exec.Cmd
	switch item.Kind {
	case library.KindVideo, library.KindAudio:
		// a stale socket from a dead mpv blocks the new one
		_ = os.Remove(a.socketPath)
		cmd = exec.Command(a.mpvBinary,
			"--fs",
			"--no-border",
			"--really-quiet",
			"--force-window=yes",
			"--input-ipc-server="+a.socketPath,
			item.Path,
		)
	case library.KindImage:
		cmd = exec.Command(a.imvBinary, "-f", item.Path)
	default:
		return fmt.Errorf("unsupported media kind %q", item.Kind)
	}

	cmd.Env = os.Environ()
	if os.Getenv("DISPLAY") == "" {
		cmd.Env = append(cmd.Env, "DISPLAY=:0")
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s renderer: %w", item.Kind, err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	itemCopy := item
	a.cmd = cmd
	a.done = done
	a.kind = item.Kind
	a.current = &itemCopy
	a.paused = false
	go a.monitor(cmd, done)

	a.logger.Info().Str("path", item.Path).Str("kind", string(item.Kind)).Msg("media session started")
	return nil
}

// monitor waits for the session to end. An intentional Stop clears the
// current item first, so only natural endings reach the callback.
func (a *Adapter) monitor(cmd *exec.Cmd, done chan struct{}) {
	<-done

	a.mu.Lock()
	var finished *library.Item
	if a.cmd == cmd {
		finished = a.current
		a.cmd = nil
		a.done = nil
		a.current = nil
		a.paused = false
	}
	cb := a.onFinish
	a.mu.Unlock()

	if finished == nil || cb == nil {
		return
	}
	a.logger.Debug().Str("path", finished.Path).Msg("media session finished")
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Any("panic", r).Msg("finish callback panicked")
		}
	}()
	cb(finished)
}

// Stop ends the current session without firing the finished callback. Safe
// to call with no session.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.cmd == nil {
		a.current = nil
		a.paused = false
		a.mu.Unlock()
		return
	}
	cmd, done := a.cmd, a.done
	a.cmd = nil
	a.done = nil
	a.current = nil
	a.paused = false
	a.mu.Unlock()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		a.logger.Warn().Msg("renderer ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-done
	}
	a.logger.Info().Msg("media session stopped")
}

// Pause pauses playback. Image sessions have no control channel and are left
// as they are.
func (a *Adapter) Pause() {
	a.mu.Lock()
	if a.cmd == nil || a.kind == library.KindImage {
		a.mu.Unlock()
		return
	}
	a.paused = true
	a.mu.Unlock()
	a.setPauseProperty(true)
}

// Resume resumes playback.
func (a *Adapter) Resume() {
	a.mu.Lock()
	if a.cmd == nil || a.kind == library.KindImage {
		a.mu.Unlock()
		return
	}
	a.paused = false
	a.mu.Unlock()
	a.setPauseProperty(false)
}

func (a *Adapter) setPauseProperty(paused bool) {
	if _, err := a.command(map[string]any{"command": []any{"set_property", "pause", paused}}, false); err != nil {
		a.logger.Debug().Err(err).Msg("pause command not delivered")
	}
}

// IsPlaying reports whether a session is up.
func (a *Adapter) IsPlaying() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cmd != nil
}

// Current returns the active item, nil when idle.
func (a *Adapter) Current() *library.Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	item := *a.current
	return &item
}

// Status snapshots the session, asking mpv for the playback position when a
// control channel exists.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	st := Status{
		Playing: a.cmd != nil,
		Paused:  a.paused,
	}
	if a.current != nil {
		item := *a.current
		st.Item = &item
	}
	kind := a.kind
	a.mu.Unlock()

	if st.Playing && kind != library.KindImage {
		if data, err := a.command(map[string]any{"command": []any{"get_property", "time-pos"}}, true); err == nil {
			if pos, ok := data.(float64); ok {
				st.Position = &pos
			}
		}
	}
	return st
}
