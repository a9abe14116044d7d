package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
)

func TestBuildArgsIncludesFlagsFile(t *testing.T) {
	flagsPath := filepath.Join(t.TempDir(), "flags.txt")
	body := "--force-dark-mode\n\n  --disable-gpu  \n"
	if err := os.WriteFile(flagsPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write flags file: %v", err)
	}

	a := New("chromium", flagsPath, "https://home.example/", 9222, zerolog.Nop())
	args, err := a.buildArgs("https://target.example/")
	if err != nil {
		t.Fatalf("build args: %v", err)
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--kiosk",
		"https://target.example/",
		"--remote-debugging-port=9222",
		"--force-dark-mode",
		"--disable-gpu",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %v", want, args)
		}
	}
	for _, arg := range args {
		if arg == "" {
			t.Fatal("blank flags file lines must be skipped")
		}
	}
}

func TestBuildArgsMissingFlagsFileTolerated(t *testing.T) {
	a := New("chromium", "/nonexistent/flags.txt", "https://home.example/", 9222, zerolog.Nop())
	if _, err := a.buildArgs("https://target.example/"); err != nil {
		t.Fatalf("missing flags file must not fail the launch: %v", err)
	}
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return port
}

func TestDiscoverTargetSelectsPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json" {
			http.NotFound(w, r)
			return
		}
		targets := []map[string]string{
			{"type": "background_page", "webSocketDebuggerUrl": "ws://127.0.0.1:1/bg"},
			{"type": "page"}, // no debugger websocket
			{"type": "page", "webSocketDebuggerUrl": "ws://127.0.0.1:1/page"},
		}
		_ = json.NewEncoder(w).Encode(targets)
	}))
	defer srv.Close()

	d := newDevtools(serverPort(t, srv), zerolog.Nop())
	got, err := d.discoverTarget(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got != "ws://127.0.0.1:1/page" {
		t.Fatalf("unexpected target: %q", got)
	}
}

func TestDiscoverTargetNoPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{})
	}))
	defer srv.Close()

	d := newDevtools(serverPort(t, srv), zerolog.Nop())
	if _, err := d.discoverTarget(context.Background()); err == nil {
		t.Fatal("expected error when no page target exists")
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	// nothing listens on this port
	d := newDevtools(1, zerolog.Nop())
	d.handshakeTimeout = 300 * time.Millisecond
	d.handshakeInterval = 50 * time.Millisecond

	err := d.handshake(context.Background())
	var hErr *HandshakeError
	if !errors.As(err, &hErr) {
		t.Fatalf("expected HandshakeError, got %v", err)
	}
}

// fakeDevtoolsServer answers every command frame via respond.
func fakeDevtoolsServer(t *testing.T, respond func(cmd commandFrame) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(ws.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd commandFrame
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			reply, err := json.Marshal(respond(cmd))
			if err != nil {
				return
			}
			if err := conn.Write(ctx, ws.MessageText, reply); err != nil {
				return
			}
		}
	}))
}

func wsURLFor(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

// fakeAlive makes the adapter believe a process is up so commands pass the
// liveness gate.
func fakeAlive(a *Adapter) {
	a.mu.Lock()
	a.cmd = &exec.Cmd{}
	a.done = make(chan struct{})
	a.mu.Unlock()
}

func TestSendMatchesCommandID(t *testing.T) {
	srv := fakeDevtoolsServer(t, func(cmd commandFrame) any {
		return map[string]any{"id": cmd.ID, "result": map[string]any{"ok": true}}
	})
	defer srv.Close()

	d := newDevtools(0, zerolog.Nop())
	d.wsURL = wsURLFor(srv)

	res, err := d.send(context.Background(), "Page.reload", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ok, _ := res["ok"].(bool); !ok {
		t.Fatalf("unexpected result: %v", res)
	}
}

func TestSendSurfacesRemoteError(t *testing.T) {
	srv := fakeDevtoolsServer(t, func(cmd commandFrame) any {
		return map[string]any{"id": cmd.ID, "error": map[string]any{"code": -32000, "message": "boom"}}
	})
	defer srv.Close()

	d := newDevtools(0, zerolog.Nop())
	d.wsURL = wsURLFor(srv)

	_, err := d.send(context.Background(), "Page.reload", nil)
	var pErr *ProtocolError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pErr.Method != "Page.reload" {
		t.Fatalf("unexpected method in error: %q", pErr.Method)
	}
}

func TestSendIgnoresUnrelatedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(ws.StatusNormalClosure, "")
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd commandFrame
		_ = json.Unmarshal(data, &cmd)
		// event frame first, then the matching result
		event, _ := json.Marshal(map[string]any{"method": "Page.frameNavigated", "params": map[string]any{}})
		_ = conn.Write(ctx, ws.MessageText, event)
		reply, _ := json.Marshal(map[string]any{"id": cmd.ID, "result": map[string]any{}})
		_ = conn.Write(ctx, ws.MessageText, reply)
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	d := newDevtools(0, zerolog.Nop())
	d.wsURL = wsURLFor(srv)

	if _, err := d.send(context.Background(), "Page.navigate", map[string]any{"url": "https://x/"}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendTransportFailureInvalidatesCache(t *testing.T) {
	d := newDevtools(0, zerolog.Nop())
	d.wsURL = "ws://127.0.0.1:1/nothing"
	d.handshakeTimeout = 200 * time.Millisecond
	d.handshakeInterval = 50 * time.Millisecond

	_, err := d.send(context.Background(), "Page.reload", nil)
	var pErr *ProtocolError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	d.mu.Lock()
	cached := d.wsURL
	d.mu.Unlock()
	if cached != "" {
		t.Fatalf("transport failure must drop the cached target, still %q", cached)
	}
}

func TestBackTranslatesHistoryExhaustion(t *testing.T) {
	srv := fakeDevtoolsServer(t, func(cmd commandFrame) any {
		if cmd.Method == "Page.goBack" {
			return map[string]any{"id": cmd.ID, "result": map[string]any{"success": false}}
		}
		return map[string]any{"id": cmd.ID, "result": map[string]any{}}
	})
	defer srv.Close()

	a := New("chromium", "", "https://home.example/", 0, zerolog.Nop())
	a.devtools.wsURL = wsURLFor(srv)
	fakeAlive(a)

	if err := a.Back(context.Background()); !errors.Is(err, ErrNoHistoryEntry) {
		t.Fatalf("expected ErrNoHistoryEntry, got %v", err)
	}
	if err := a.Forward(context.Background()); err != nil {
		t.Fatalf("forward with success frame: %v", err)
	}
}

func TestCommandsRequireLiveProcess(t *testing.T) {
	a := New("chromium", "", "https://home.example/", 0, zerolog.Nop())
	if err := a.Reload(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := a.Back(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := a.Home(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartSurfacesMissingBinary(t *testing.T) {
	a := New("definitely-not-a-browser-binary", "", "https://home.example/", 0, zerolog.Nop())
	err := a.Start(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected exec.ErrNotFound in chain, got %v", err)
	}
}

func TestCommandIDsIncrease(t *testing.T) {
	var mu sync.Mutex
	var seen []int64
	srv := fakeDevtoolsServer(t, func(cmd commandFrame) any {
		mu.Lock()
		seen = append(seen, cmd.ID)
		mu.Unlock()
		return map[string]any{"id": cmd.ID, "result": map[string]any{}}
	})
	defer srv.Close()

	d := newDevtools(0, zerolog.Nop())
	d.wsURL = wsURLFor(srv)
	for i := 0; i < 3; i++ {
		if _, err := d.send(context.Background(), "Page.reload", nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 commands, saw %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("command ids must increase: %v", seen)
		}
	}
}
