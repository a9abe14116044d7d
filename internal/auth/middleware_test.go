package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			t.Error("claims missing from request context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	h := Middleware([]byte("secret"))(okHandler(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	secret := []byte("secret")
	token, err := Issue(secret, "lobby-01", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	h := Middleware(secret)(okHandler(t))
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	token, err := Issue([]byte("other-secret"), "lobby-01", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	h := Middleware([]byte("secret"))(okHandler(t))
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestQueryTokenOnlyForWebSocketUpgrade(t *testing.T) {
	secret := []byte("secret")
	token, err := Issue(secret, "lobby-01", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	h := Middleware(secret)(okHandler(t))

	// Plain request with a query token is rejected.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-upgrade query token, got %d", rec.Code)
	}

	// WebSocket upgrade with a query token is accepted.
	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for upgrade query token, got %d", rec.Code)
	}

	// Query token on another path is rejected even with upgrade.
	req = httptest.NewRequest(http.MethodGet, "/api/state?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for off-path query token, got %d", rec.Code)
	}
}
