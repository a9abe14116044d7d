/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package browser supervises the kiosk chromium process and drives it over
// the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotRunning is returned by commands when no browser process is up.
	ErrNotRunning = errors.New("browser is not running")
	// ErrNoHistoryEntry is returned by Back/Forward when the history ends.
	ErrNoHistoryEntry = errors.New("no history entry in that direction")
)

const (
	crashRelaunchCooldown = 2 * time.Second
	relaunchFailureDelay  = 5 * time.Second
	stopGracePeriod       = 5 * time.Second
)

// Adapter owns the chromium kiosk process. Start is idempotent; a crash is
// answered by the monitor goroutine with a relaunch at the last URL.
type Adapter struct {
	binary    string
	flagsPath string
	homepage  string
	debugPort int
	logger    zerolog.Logger

	mu             sync.Mutex
	cmd            *exec.Cmd
	done           chan struct{}
	stopping       bool
	lastURL        string
	monitorRunning bool

	devtools *devtoolsClient

	// onCrash, when set, is invoked after every unexpected exit.
	onCrash func()
}

// New creates the adapter. Nothing is launched until Start.
func New(binary, flagsPath, homepage string, debugPort int, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		binary:    binary,
		flagsPath: flagsPath,
		homepage:  homepage,
		debugPort: debugPort,
		logger:    logger.With().Str("component", "browser").Logger(),
	}
	a.devtools = newDevtools(debugPort, a.logger)
	return a
}

// SetCrashHook registers a callback fired after every unexpected exit, before
// the relaunch cooldown. Used for crash metrics.
func (a *Adapter) SetCrashHook(fn func()) {
	a.mu.Lock()
	a.onCrash = fn
	a.mu.Unlock()
}

// Start launches chromium at url (or the homepage when empty) and completes
// the DevTools handshake. A live process makes Start a no-op.
func (a *Adapter) Start(ctx context.Context, url string) error {
	target := url
	if target == "" {
		target = a.homepage
	}

	a.mu.Lock()
	if a.aliveLocked() {
		a.mu.Unlock()
		a.logger.Debug().Msg("browser already running, start skipped")
		return nil
	}
	a.devtools.reset()
	err := a.launchLocked(target)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if err := a.devtools.handshake(ctx); err != nil {
		a.Stop()
		return err
	}
	a.ensureMonitor()
	a.logger.Info().Str("url", target).Msg("browser started")
	return nil
}

// Restart stops any live process and starts at url (or the last URL).
func (a *Adapter) Restart(ctx context.Context, url string) error {
	a.mu.Lock()
	if url == "" {
		url = a.lastURL
	}
	a.mu.Unlock()

	a.Stop()
	return a.Start(ctx, url)
}

// Stop terminates the process: SIGINT, bounded wait, then SIGKILL. Safe to
// call with no process.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.cmd == nil {
		a.mu.Unlock()
		return
	}
	cmd, done := a.cmd, a.done
	a.stopping = true
	a.mu.Unlock()

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		a.logger.Warn().Msg("browser ignored interrupt, killing")
		_ = cmd.Process.Kill()
		<-done
	}

	a.mu.Lock()
	if a.cmd == cmd {
		a.cmd = nil
		a.done = nil
	}
	a.stopping = false
	a.mu.Unlock()
	a.devtools.reset()
	a.logger.Info().Msg("browser stopped")
}

// IsAlive reports whether the process is up.
func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aliveLocked()
}

// CurrentURL returns the last URL the adapter navigated to.
func (a *Adapter) CurrentURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastURL
}

func (a *Adapter) aliveLocked() bool {
	if a.cmd == nil || a.done == nil {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

func (a *Adapter) launchLocked(url string) error {
	if _, err := exec.LookPath(a.binary); err != nil {
		return fmt.Errorf("browser binary %q: %w", a.binary, err)
	}

	args, err := a.buildArgs(url)
	if err != nil {
		return err
	}
	cmd := exec.Command(a.binary, args...)
	cmd.Env = os.Environ()
	if os.Getenv("DISPLAY") == "" {
		cmd.Env = append(cmd.Env, "DISPLAY=:0")
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	a.cmd = cmd
	a.done = done
	a.lastURL = url
	return nil
}

// buildArgs composes the kiosk flag set plus any extra flags from the flags
// file (one per line, blank lines skipped).
func (a *Adapter) buildArgs(url string) ([]string, error) {
	args := []string{
		"--kiosk",
		url,
		"--noerrdialogs",
		"--incognito",
		"--disable-translate",
		"--autoplay-policy=no-user-gesture-required",
		"--disable-infobars",
		"--start-maximized",
		"--no-first-run",
		"--disable-features=TranslateUI",
		fmt.Sprintf("--remote-debugging-port=%d", a.debugPort),
		"--remote-allow-origins=*",
	}
	if a.flagsPath == "" {
		return args, nil
	}
	raw, err := os.ReadFile(a.flagsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return args, nil
		}
		return nil, fmt.Errorf("read flags file: %w", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args = append(args, line)
	}
	return args, nil
}

// ensureMonitor starts the crash monitor once per adapter lifetime segment.
func (a *Adapter) ensureMonitor() {
	a.mu.Lock()
	if a.monitorRunning {
		a.mu.Unlock()
		return
	}
	a.monitorRunning = true
	a.mu.Unlock()
	go a.monitor()
}

// monitor waits for process exits. Intentional stops end the monitor;
// crashes trigger a relaunch at the last URL after a cooldown, with a longer
// backoff when the relaunch itself fails. Retries are unbounded.
func (a *Adapter) monitor() {
	for {
		a.mu.Lock()
		cmd, done := a.cmd, a.done
		a.mu.Unlock()
		if cmd == nil {
			break
		}

		<-done

		a.mu.Lock()
		if a.stopping || a.cmd != cmd {
			a.mu.Unlock()
			break
		}
		a.cmd = nil
		a.done = nil
		url := a.lastURL
		crashHook := a.onCrash
		a.mu.Unlock()

		a.logger.Warn().Str("url", url).Msg("browser exited unexpectedly, relaunching")
		if crashHook != nil {
			crashHook()
		}
		a.devtools.reset()
		time.Sleep(crashRelaunchCooldown)

		for {
			a.mu.Lock()
			if a.stopping {
				a.mu.Unlock()
				break
			}
			err := a.launchLocked(url)
			a.mu.Unlock()
			if err == nil {
				if err = a.devtools.handshake(context.Background()); err == nil {
					break
				}
				a.Stop()
			}
			a.logger.Error().Err(err).Msg("browser relaunch failed, backing off")
			time.Sleep(relaunchFailureDelay)
		}
	}

	a.mu.Lock()
	a.monitorRunning = false
	a.mu.Unlock()
}
