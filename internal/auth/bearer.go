package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	oidc "github.com/coreos/go-oidc/v3/oidc"

	"nexus/internal/nexuserr"
)

// constantTimeEqual reports whether got and want are equal without leaking
// timing information an attacker could use to guess the secret byte by byte.
func constantTimeEqual(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// BearerVerifier verifies the end-user JWT every Nexus API call carries,
// fetched fresh against the identity provider's published JWKS rather than a
// pinned key: Nexus is a resource server here, never the OIDC relying party
// that performs its own login/callback dance. This is a distinct trust
// boundary from internal/streamtoken's short-lived stream JWTs: a stolen
// platform bearer token must not unlock a stream session, and vice versa.
type BearerVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewBearerVerifier builds a verifier against jwksURL, accepting only
// tokens issued by issuer for audience.
func NewBearerVerifier(ctx context.Context, issuer, audience, jwksURL string) *BearerVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	v := oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: audience})
	return &BearerVerifier{verifier: v}
}

// BearerClaims is the minimal claim set Nexus reads off a verified token;
// everything else about the caller (role, plan, etc.) lives in Nexus's own
// tables, keyed by sub.
type BearerClaims struct {
	Subject string `json:"sub"`
}

// Verify validates signature, issuer, audience, and expiry and returns the
// subject claim, which Nexus treats as the viewer id everywhere downstream.
func (b *BearerVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	idt, err := b.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", nexuserr.New(nexuserr.CodeUnauthenticated, "invalid bearer token")
	}
	var claims BearerClaims
	if err := idt.Claims(&claims); err != nil || claims.Subject == "" {
		return "", nexuserr.New(nexuserr.CodeUnauthenticated, "invalid bearer token claims")
	}
	return claims.Subject, nil
}

type viewerContextKey struct{}

// WithViewerID attaches the authenticated viewer id to ctx.
func WithViewerID(ctx context.Context, viewerID string) context.Context {
	return context.WithValue(ctx, viewerContextKey{}, viewerID)
}

// ViewerID extracts the authenticated viewer id attached by RequireBearer.
func ViewerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(viewerContextKey{}).(string)
	return v, ok && v != ""
}

// RequireBearer rejects any request without a valid "Authorization: Bearer
// <jwt>" header and attaches the verified viewer id to the request context
// otherwise.
func RequireBearer(verifier *BearerVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="nexus"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			viewerID, err := verifier.Verify(r.Context(), strings.TrimPrefix(auth, prefix))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="nexus"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithViewerID(r.Context(), viewerID)))
		})
	}
}

// RequireInternalSecret gates service-to-service endpoints (the stream-token
// mint route, any future admin trigger) behind a shared secret, sent in the
// X-Nexus-Internal header and compared in constant time, distinct from
// end-user bearer auth.
func RequireInternalSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Nexus-Internal")
			if !constantTimeEqual(got, secret) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
