/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package display supervises the X session the renderers draw on.
package display

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSession reports that no X session became available within the
// startup window.
var ErrNoSession = errors.New("display session did not come up")

const socketPollInterval = 250 * time.Millisecond

// Manager launches or attaches to an X session identified by a display name
// like ":0". If the session socket already exists at Start, the session is
// treated as externally managed and never launched or stopped here.
type Manager struct {
	display        string
	launcher       []string
	startupTimeout time.Duration
	socketDir      string
	logger         zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	external bool
	lastErr  string
}

// New creates a manager for the named display. launcher is the command line
// starting the session; empty means only externally managed sessions are
// usable.
func New(display, launcher string, startupTimeout time.Duration, logger zerolog.Logger) *Manager {
	if display == "" {
		display = ":0"
	}
	if startupTimeout <= 0 {
		startupTimeout = 12 * time.Second
	}
	return &Manager{
		display:        display,
		launcher:       strings.Fields(launcher),
		startupTimeout: startupTimeout,
		socketDir:      "/tmp/.X11-unix",
		logger:         logger.With().Str("component", "display").Logger(),
	}
}

// socketPath maps ":0" or ":1.0" to the X socket for that display number.
func (m *Manager) socketPath() string {
	num := strings.TrimPrefix(m.display, ":")
	if i := strings.IndexByte(num, '.'); i >= 0 {
		num = num[:i]
	}
	return filepath.Join(m.socketDir, "X"+num)
}

func (m *Manager) socketExists() bool {
	_, err := os.Stat(m.socketPath())
	return err == nil
}

// Start brings the session up. An already-present socket marks the session
// external; otherwise the launcher is started and the socket awaited.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.socketExists() {
		m.external = true
		m.lastErr = ""
		m.logger.Info().Str("display", m.display).Msg("attaching to existing display session")
		return nil
	}
	m.external = false

	if len(m.launcher) == 0 {
		m.lastErr = "no display session and no launcher configured"
		return fmt.Errorf("%w: %s", ErrNoSession, m.lastErr)
	}

	if err := m.launchLocked(); err != nil {
		m.lastErr = err.Error()
		return err
	}
	if err := m.waitForSocketLocked(); err != nil {
		m.lastErr = err.Error()
		m.terminateLocked()
		return err
	}
	m.lastErr = ""
	m.logger.Info().Str("display", m.display).Msg("display session started")
	return nil
}

func (m *Manager) launchLocked() error {
	cmd := exec.Command(m.launcher[0], m.launcher[1:]...)
	cmd.Env = append(os.Environ(), "DISPLAY="+m.display)
	if os.Getenv("XDG_RUNTIME_DIR") == "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("XDG_RUNTIME_DIR=/run/user/%d", os.Getuid()))
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start display launcher: %w", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	m.cmd = cmd
	m.done = done
	return nil
}

func (m *Manager) waitForSocketLocked() error {
	deadline := time.Now().Add(m.startupTimeout)
	for time.Now().Before(deadline) {
		if m.socketExists() {
			return nil
		}
		select {
		case <-m.done:
			return fmt.Errorf("%w: launcher exited before the socket appeared", ErrNoSession)
		case <-time.After(socketPollInterval):
		}
	}
	return fmt.Errorf("%w: socket %s missing after %s", ErrNoSession, m.socketPath(), m.startupTimeout)
}

// EnsureRunning re-checks session health and restarts a managed session that
// lost its socket or its process. Returns whether the session is usable.
func (m *Manager) EnsureRunning() bool {
	m.mu.Lock()
	if m.external {
		ok := m.socketExists()
		if !ok {
			m.lastErr = "external display session went away"
		}
		m.mu.Unlock()
		return ok
	}

	alive := m.cmd != nil && !closed(m.done)
	if alive && m.socketExists() {
		m.mu.Unlock()
		return true
	}
	if alive {
		// process alive without a socket is a wedged session
		m.logger.Warn().Msg("display session lost its socket, restarting")
		m.terminateLocked()
	}
	m.mu.Unlock()

	if err := m.Start(); err != nil {
		m.logger.Error().Err(err).Msg("display session restart failed")
		return false
	}
	return true
}

// IsRunning reports session usability without side effects.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.external {
		return m.socketExists()
	}
	return m.cmd != nil && !closed(m.done) && m.socketExists()
}

// LastError returns the most recent startup failure, empty when healthy.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stop terminates a managed session. External sessions are left alone.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.external || m.cmd == nil {
		return
	}
	m.terminateLocked()
	m.logger.Info().Msg("display session stopped")
}

func (m *Manager) terminateLocked() {
	if m.cmd == nil {
		return
	}
	cmd, done := m.cmd, m.done
	m.cmd = nil
	m.done = nil

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
