package health

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skuld_signage/internal/content"
	"github.com/friendsincode/skuld_signage/internal/events"
)

type fakeDisplay struct {
	ok      bool
	lastErr string
}

func (d *fakeDisplay) EnsureRunning() bool { return d.ok }
func (d *fakeDisplay) LastError() string   { return d.lastErr }

type fakeBrowser struct {
	mu       sync.Mutex
	alive    bool
	startErr error
	starts   []string
	stops    int
}

func (b *fakeBrowser) IsAlive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive
}

func (b *fakeBrowser) Start(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.alive = true
	b.starts = append(b.starts, url)
	return nil
}

func (b *fakeBrowser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive = false
	b.stops++
}

type fakeContent struct {
	status content.Status
}

func (c *fakeContent) Status() content.Status { return c.status }

func newTestMonitor(d *fakeDisplay, b *fakeBrowser, c *fakeContent) *Monitor {
	return NewMonitor(d, b, c, nil, events.NewBus(), zerolog.Nop())
}

func TestCheckRestartsBrowserInWebMode(t *testing.T) {
	d := &fakeDisplay{ok: true}
	b := &fakeBrowser{alive: false}
	c := &fakeContent{status: content.Status{Mode: content.ModeWeb, URL: "https://home.example/"}}
	m := newTestMonitor(d, b, c)

	m.check(context.Background())

	if len(b.starts) != 1 || b.starts[0] != "https://home.example/" {
		t.Fatalf("expected browser restart with current url, got %v", b.starts)
	}
	if got := m.Statuses()["browser"].State; got != StateRunning {
		t.Fatalf("expected browser running, got %q", got)
	}
}

func TestCheckStopsBrowserWhenDisplayGone(t *testing.T) {
	d := &fakeDisplay{ok: false, lastErr: "no session"}
	b := &fakeBrowser{alive: true}
	c := &fakeContent{status: content.Status{Mode: content.ModeWeb}}
	m := newTestMonitor(d, b, c)

	m.check(context.Background())

	if b.stops != 1 {
		t.Fatalf("expected browser stop, got %d", b.stops)
	}
	statuses := m.Statuses()
	if statuses["display"].State != StateError || statuses["display"].Detail != "no session" {
		t.Fatalf("unexpected display status: %+v", statuses["display"])
	}
	if statuses["browser"].State != StateError {
		t.Fatalf("unexpected browser status: %+v", statuses["browser"])
	}
}

func TestCheckLeavesIdleBrowserInMediaMode(t *testing.T) {
	d := &fakeDisplay{ok: true}
	b := &fakeBrowser{alive: false}
	c := &fakeContent{status: content.Status{Mode: content.ModeMedia}}
	m := newTestMonitor(d, b, c)

	m.check(context.Background())

	if len(b.starts) != 0 {
		t.Fatalf("browser must not start in media mode, got %v", b.starts)
	}
	statuses := m.Statuses()
	if statuses["browser"].State != StateIdle {
		t.Fatalf("unexpected browser status: %+v", statuses["browser"])
	}
	if statuses["player"].State != StateRunning {
		t.Fatalf("unexpected player status: %+v", statuses["player"])
	}
}

func TestCheckReportsPausedPlayer(t *testing.T) {
	d := &fakeDisplay{ok: true}
	b := &fakeBrowser{alive: false}
	c := &fakeContent{status: content.Status{Mode: content.ModeMedia, Paused: true}}
	m := newTestMonitor(d, b, c)

	m.check(context.Background())

	if got := m.Statuses()["player"].State; got != StatePaused {
		t.Fatalf("expected paused player, got %q", got)
	}
}

func TestStatusChangePublishedOnce(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventServiceStatus)

	d := &fakeDisplay{ok: true}
	b := &fakeBrowser{alive: true}
	c := &fakeContent{status: content.Status{Mode: content.ModeWeb}}
	m := NewMonitor(d, b, c, nil, bus, zerolog.Nop())

	m.check(context.Background())
	m.check(context.Background())

	var count int
	for {
		select {
		case <-sub:
			count++
			continue
		default:
		}
		break
	}
	// display, browser, player: one event each despite two checks.
	if count != 3 {
		t.Fatalf("expected 3 status events, got %d", count)
	}
}
