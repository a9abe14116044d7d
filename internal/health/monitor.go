/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skuld_signage/internal/content"
	"github.com/friendsincode/skuld_signage/internal/events"
)

// Service states reported by the monitor.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateError    = "error"
	StateIdle     = "idle"
)

// ServiceStatus is the reported state of one supervised service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayController is the display surface the monitor drives.
type DisplayController interface {
	EnsureRunning() bool
	LastError() string
}

// BrowserController is the browser surface the monitor drives.
type BrowserController interface {
	IsAlive() bool
	Start(ctx context.Context, url string) error
	Stop()
}

// ContentStatus exposes the current content state.
type ContentStatus interface {
	Status() content.Status
}

const defaultCheckInterval = 5 * time.Second

// Monitor checks the display session and the renderers on an interval,
// restarting what it can, and publishes service and host health events.
type Monitor struct {
	display   DisplayController
	browser   BrowserController
	router    ContentStatus
	collector *Collector
	bus       *events.Bus
	logger    zerolog.Logger
	interval  time.Duration

	mu       sync.Mutex
	statuses map[string]ServiceStatus
}

// NewMonitor creates the monitor. A nil collector skips host readings.
func NewMonitor(display DisplayController, browser BrowserController, router ContentStatus, collector *Collector, bus *events.Bus, logger zerolog.Logger) *Monitor {
	return &Monitor{
		display:   display,
		browser:   browser,
		router:    router,
		collector: collector,
		bus:       bus,
		logger:    logger.With().Str("component", "monitor").Logger(),
		interval:  defaultCheckInterval,
		statuses:  make(map[string]ServiceStatus),
	}
}

// Run loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("health monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopping")
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Statuses returns a copy of the current service statuses.
func (m *Monitor) Statuses() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServiceStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

func (m *Monitor) check(ctx context.Context) {
	displayOK := m.display.EnsureRunning()
	if displayOK {
		m.setStatus("display", StateRunning, "")
	} else {
		m.setStatus("display", StateError, m.display.LastError())
	}

	st := m.router.Status()

	switch {
	case !displayOK:
		// Nothing can render without a display session.
		if m.browser.IsAlive() {
			m.logger.Warn().Msg("display session gone, stopping browser")
			m.browser.Stop()
		}
		m.setStatus("browser", StateError, "display session unavailable")
	case st.Mode == content.ModeWeb && !m.browser.IsAlive():
		m.logger.Warn().Str("url", st.URL).Msg("browser down in web mode, restarting")
		m.setStatus("browser", StateStarting, "")
		if err := m.browser.Start(ctx, st.URL); err != nil {
			m.logger.Error().Err(err).Msg("browser restart failed")
			m.setStatus("browser", StateError, err.Error())
		} else {
			m.setStatus("browser", StateRunning, "")
		}
	case m.browser.IsAlive():
		m.setStatus("browser", StateRunning, "")
	default:
		m.setStatus("browser", StateIdle, "")
	}

	switch {
	case st.Mode == content.ModeMedia && st.Paused:
		m.setStatus("player", StatePaused, "")
	case st.Mode == content.ModeMedia:
		m.setStatus("player", StateRunning, "")
	default:
		m.setStatus("player", StateIdle, "")
	}

	if m.collector != nil {
		snap := m.collector.Collect(ctx)
		m.bus.Publish(events.EventHealth, events.Payload{"snapshot": snap})
	}
}

// setStatus records the status and publishes it when the state changed.
func (m *Monitor) setStatus(name, state, detail string) {
	m.mu.Lock()
	prev, ok := m.statuses[name]
	changed := !ok || prev.State != state || prev.Detail != detail
	status := ServiceStatus{Name: name, State: state, Detail: detail, UpdatedAt: time.Now()}
	m.statuses[name] = status
	m.mu.Unlock()

	if changed {
		m.bus.Publish(events.EventServiceStatus, events.Payload{"service": status})
	}
}
