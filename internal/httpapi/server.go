// Package httpapi exposes the chat send-message pipeline over HTTP: blocking
// and SSE sends, conversation/message listing, model enumeration, viewer
// identity, stream-token minting, and the liveness/readiness probes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nexus/internal/auth"
	"nexus/internal/provenance"
	"nexus/internal/ratelimit"
	"nexus/internal/sendmessage"
	"nexus/internal/store"
	"nexus/internal/streamtoken"
)

const readyzTimeout = 2 * time.Second

// Server wires the send-message orchestrator, its supporting stores, and
// auth middleware into routed HTTP handlers.
type Server struct {
	store       *store.Store
	prov        *provenance.Authority
	orchestrator *sendmessage.Orchestrator
	minter      *streamtoken.Minter
	limiter     *ratelimit.Limiter
	mux         *http.ServeMux
}

// Deps is everything NewServer needs, constructed once in main and shared
// across every request.
type Deps struct {
	Store        *store.Store
	Provenance   *provenance.Authority
	Orchestrator *sendmessage.Orchestrator
	Minter       *streamtoken.Minter
	Limiter      *ratelimit.Limiter
	Bearer       *auth.BearerVerifier
	InternalSecret string
}

// NewServer builds the routed handler, wrapping it in per-request span
// instrumentation.
func NewServer(d Deps) http.Handler {
	s := &Server{
		store:        d.Store,
		prov:         d.Provenance,
		orchestrator: d.Orchestrator,
		minter:       d.Minter,
		limiter:      d.Limiter,
	}
	s.mux = http.NewServeMux()
	s.registerRoutes(d)
	return otelhttp.NewHandler(s.mux, "nexus.http")
}

func (s *Server) registerRoutes(d Deps) {
	bearerAuth := auth.RequireBearer(d.Bearer)
	streamAuth := streamtoken.Middleware(d.Minter)

	// Ambient probes are unauthenticated by design — load balancers and
	// orchestrators must be able to reach them without a token.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	s.mux.Handle("POST /conversations/{id}/messages", bearerAuth(http.HandlerFunc(s.handleSendExisting)))
	s.mux.Handle("POST /conversations/messages", bearerAuth(http.HandlerFunc(s.handleSendNew)))
	s.mux.Handle("GET /conversations", bearerAuth(http.HandlerFunc(s.handleListConversations)))
	s.mux.Handle("GET /conversations/{id}/messages", bearerAuth(http.HandlerFunc(s.handleListMessages)))
	s.mux.Handle("GET /models", bearerAuth(http.HandlerFunc(s.handleListModels)))
	s.mux.Handle("GET /me", bearerAuth(http.HandlerFunc(s.handleMe)))

	internalAuth := auth.RequireInternalSecret(d.InternalSecret)
	s.mux.Handle("POST /internal/stream-tokens", bearerAuth(internalAuth(http.HandlerFunc(s.handleMintStreamToken))))

	s.mux.Handle("POST /stream/conversations/{id}/messages", streamAuth(http.HandlerFunc(s.handleStreamExisting)))
	s.mux.Handle("POST /stream/conversations/messages", streamAuth(http.HandlerFunc(s.handleStreamNew)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
	defer cancel()

	if err := s.store.Pool().Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err := s.limiter.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
