package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithViewerIDRoundTrip(t *testing.T) {
	ctx := WithViewerID(t.Context(), "viewer-1")
	got, ok := ViewerID(ctx)
	if !ok || got != "viewer-1" {
		t.Fatalf("expected viewer-1, got %q ok=%v", got, ok)
	}
}

func TestViewerIDMissing(t *testing.T) {
	_, ok := ViewerID(t.Context())
	if ok {
		t.Fatalf("expected no viewer id on a bare context")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("secret", "secret") {
		t.Fatalf("expected equal secrets to match")
	}
	if constantTimeEqual("secret", "wrong") {
		t.Fatalf("expected mismatched secrets to fail")
	}
	if constantTimeEqual("short", "muchlongersecret") {
		t.Fatalf("expected different-length secrets to fail")
	}
}

func TestRequireBearerRejectsMissingHeader(t *testing.T) {
	handler := RequireBearer(&BearerVerifier{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run without a bearer token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge header")
	}
}

func TestRequireInternalSecret(t *testing.T) {
	handler := RequireInternalSecret("top-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/stream-tokens", nil)
	req.Header.Set("X-Nexus-Internal", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong secret, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/stream-tokens", nil)
	req.Header.Set("X-Nexus-Internal", "top-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for correct secret, got %d", rec.Code)
	}
}
