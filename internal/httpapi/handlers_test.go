package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus/internal/auth"
)

func TestHandleHealthzAlwaysOK(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleMeRequiresAuth(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()

	s.handleMe(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleMeReturnsViewerID(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(auth.WithViewerID(req.Context(), "user-123"))
	rec := httptest.NewRecorder()

	s.handleMe(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "user-123")
}

func TestDecodeSendRequestRejectsTooManyContexts(t *testing.T) {
	body := `{"content":"hi","model_id":"m1","contexts":[` +
		`{"type":"media","id":"1"},{"type":"media","id":"2"},{"type":"media","id":"3"},` +
		`{"type":"media","id":"4"},{"type":"media","id":"5"},{"type":"media","id":"6"},` +
		`{"type":"media","id":"7"},{"type":"media","id":"8"},{"type":"media","id":"9"},` +
		`{"type":"media","id":"10"},{"type":"media","id":"11"}]}`
	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", strings.NewReader(body))
	req = req.WithContext(auth.WithViewerID(req.Context(), "user-123"))

	_, err := decodeSendRequest(req)

	require.Error(t, err)
}
