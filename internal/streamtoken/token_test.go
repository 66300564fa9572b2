package streamtoken

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"nexus/internal/auth"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	m := New([]byte("signing-key"), nil)

	minted, err := m.Mint("user-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	verified, err := m.Verify(t.Context(), minted.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", verified.UserID)
	}
	if verified.JTI == "" {
		t.Fatalf("expected a non-empty jti")
	}
}

func TestVerifyRejectsForeignSigningKey(t *testing.T) {
	m := New([]byte("signing-key"), nil)
	other := New([]byte("different-key"), nil)

	minted, err := m.Mint("user-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := other.Verify(t.Context(), minted.Token); err == nil {
		t.Fatalf("expected verification to fail against a different signing key")
	}
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	m := New([]byte("signing-key"), nil)
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run without a bearer token")
	}))

	req := httptest.NewRequest(http.MethodPost, "/stream/conversations/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsForeignIssuer(t *testing.T) {
	m := New([]byte("signing-key"), nil)
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run for a foreign-issuer token")
	}))

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "some-other-issuer",
		"sub": "user-1",
	})
	signed, err := foreign.SignedString([]byte("signing-key"))
	if err != nil {
		t.Fatalf("sign foreign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/stream/conversations/messages", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign issuer, got %d", rec.Code)
	}
}

func TestMiddlewareAttachesViewerID(t *testing.T) {
	m := New([]byte("signing-key"), nil)
	minted, err := m.Mint("user-42")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	var sawViewerID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawViewerID, _ = auth.ViewerID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/stream/conversations/messages", nil)
	req.Header.Set("Authorization", "Bearer "+minted.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sawViewerID != "user-42" {
		t.Fatalf("expected viewer id user-42, got %q", sawViewerID)
	}
}
