package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skuld_signage/internal/auth"
	"github.com/friendsincode/skuld_signage/internal/config"
	"github.com/friendsincode/skuld_signage/internal/logbuffer"
)

const testPassword = "kiosk-test-password"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	dir := t.TempDir()
	webRoot := filepath.Join(dir, "webui")
	if err := os.MkdirAll(webRoot, 0o755); err != nil {
		t.Fatalf("mkdir webui: %v", err)
	}
	if err := os.WriteFile(filepath.Join(webRoot, "index.html"), []byte("<html>skuld</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	cfg := &config.Config{
		Environment:           "development",
		HTTPBind:              "127.0.0.1",
		HTTPPort:              0,
		Homepage:              "https://home.example/",
		DisplayName:           ":0",
		DisplayStartupTimeout: time.Second,
		ChromiumBinary:        "chromium",
		DebugPort:             9222,
		MPVBinary:             "mpv",
		IMVBinary:             "imv",
		PlayerSocketPath:      filepath.Join(dir, "mpv.sock"),
		MediaLocalRoot:        filepath.Join(dir, "media"),
		MaxUploadMB:           1,
		MediaMetadataPath:     filepath.Join(dir, "media-meta.json"),
		FFProbeTimeout:        time.Second,
		TickInterval:          5 * time.Second,
		ImageDuration:         10 * time.Second,
		StatePath:             filepath.Join(dir, "state.json"),
		PlaylistPath:          filepath.Join(dir, "playlists.json"),
		HistoryPath:           filepath.Join(dir, "history.db"),
		WebUIRoot:             webRoot,
		PasswordHash:          hash,
		TokenSecret:           "test-secret",
		TokenTTL:              time.Hour,
	}

	srv, err := New(cfg, logbuffer.New(100), zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"password": testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}
	return resp.Token
}

func TestHealthzIsPublic(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/api/state", "/api/media", "/api/playlists", "/api/history"} {
		rec := doJSON(t, srv, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginThenState(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/state", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var state struct {
		Content struct {
			Mode string `json:"mode"`
		} `json:"content"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Version == "" {
		t.Fatal("state must carry a version")
	}
}

func TestPlaylistCRUDOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	body := map[string]any{
		"name": "Morning loop",
		"items": []map[string]any{
			{"media_id": "local:promo.mp4", "duration": 30},
		},
	}
	rec := doJSON(t, srv, http.MethodPut, "/api/playlists/morning", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/playlists", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list struct {
		Playlists []struct {
			ID string `json:"id"`
		} `json:"playlists"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Playlists) != 1 || list.Playlists[0].ID != "morning" {
		t.Fatalf("unexpected playlists: %+v", list.Playlists)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/playlists/morning", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/api/playlists/morning", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete: expected 404, got %d", rec.Code)
	}
}

func TestScheduleAcceptsForwardPlaylistReference(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	// Schedules may be written before the playlist they point at; the
	// reference only matters when the window becomes active.
	body := map[string]any{
		"playlist_id": "not-created-yet",
		"start":       "09:00",
		"end":         "17:00",
		"days":        []string{"mon", "tue"},
	}
	rec := doJSON(t, srv, http.MethodPut, "/api/schedules/weekday", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/schedules", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list struct {
		Schedules []struct {
			ID         string `json:"id"`
			PlaylistID string `json:"playlist_id"`
		} `json:"schedules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Schedules) != 1 || list.Schedules[0].PlaylistID != "not-created-yet" {
		t.Fatalf("unexpected schedules: %+v", list.Schedules)
	}
}

func TestWebActionRejectsUnknown(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/web/action", token, map[string]string{"action": "explode"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMediaPlayUnknownReturns404(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/media/play", token, map[string]string{"id": "local:nope.mp4"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func doUpload(t *testing.T, srv *Server, token, filename, folder, tags string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if folder != "" {
		_ = mw.WriteField("folder", folder)
	}
	if tags != "" {
		_ = mw.WriteField("tags", tags)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/media/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestMediaUploadStoresFileInLocalRoot(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	rec := doUpload(t, srv, token, "promo clip.mp4", "", "demo, loop", []byte("not really a video"))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// the unsafe space is flattened to an underscore
	stored := filepath.Join(srv.cfg.MediaLocalRoot, "promo_clip.mp4")
	raw, err := os.ReadFile(stored)
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(raw) != "not really a video" {
		t.Fatalf("stored bytes differ: %q", raw)
	}

	tags := srv.meta.Tags("local:promo_clip.mp4")
	if len(tags) != 2 || tags[0] != "demo" || tags[1] != "loop" {
		t.Fatalf("unexpected tags: %+v", tags)
	}

	rec = doUpload(t, srv, token, "promo clip.mp4", "", "", []byte("second copy"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate upload: expected 409, got %d", rec.Code)
	}
}

func TestMediaUploadIntoSubfolder(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	rec := doUpload(t, srv, token, "lobby.jpg", "campaigns/summer", "", []byte("jpeg-ish"))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(srv.cfg.MediaLocalRoot, "campaigns", "summer", "lobby.jpg")); err != nil {
		t.Fatalf("stored file: %v", err)
	}
	var resp struct {
		Item struct {
			Identifier string `json:"identifier"`
		} `json:"item"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Item.Identifier != "local:campaigns/summer/lobby.jpg" {
		t.Fatalf("unexpected identifier: %q", resp.Item.Identifier)
	}
}

func TestMediaUploadRejectsFolderEscape(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	rec := doUpload(t, srv, token, "escape.mp4", "../outside", "", []byte("nope"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(srv.cfg.MediaLocalRoot), "outside", "escape.mp4")); err == nil {
		t.Fatal("file escaped the media root")
	}
}

func TestMediaUploadEnforcesSizeLimit(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	// cfg caps uploads at 1 MiB
	rec := doUpload(t, srv, token, "huge.mp4", "", "", bytes.Repeat([]byte("x"), 2<<20))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(srv.cfg.MediaLocalRoot, "huge.mp4")); err == nil {
		t.Fatal("oversized upload must not be kept")
	}
}

func TestStaticFallbackServesIndex(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/settings/schedules", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("skuld")) {
		t.Fatalf("expected index.html body, got %q", rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/unknown", "", nil)
	if rec.Code == http.StatusOK {
		t.Fatal("api paths must never fall back to the SPA")
	}
}

func TestLogsEndpointFiltersByLevel(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	srv.logBuffer.Add(logbuffer.LogEntry{Timestamp: time.Now(), Level: "error", Component: "browser", Message: "renderer exited"})
	srv.logBuffer.Add(logbuffer.LogEntry{Timestamp: time.Now(), Level: "info", Component: "scheduler", Message: "tick"})

	rec := doJSON(t, srv, http.MethodGet, "/api/logs?level=error", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Entries []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Level != "error" {
		t.Fatalf("unexpected log entries: %+v", resp.Entries)
	}
}
