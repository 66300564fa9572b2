// Package config loads Nexus's process configuration from the environment.
package config

import "time"

// ProviderConfig holds the platform-level credentials and defaults for one
// LLM provider. PlatformAPIKey is only used for conversations that have no
// BYOK key on file for that provider (the key resolver decides which
// applies; this package just carries both knobs).
type ProviderConfig struct {
	Enabled        bool
	PlatformAPIKey string
	Model          string
	BaseURL        string
}

// RateLimitConfig carries the defaults described in the rate/budget
// component: requests-per-minute, concurrent in-flight sends, and a daily
// token budget, all per user.
type RateLimitConfig struct {
	RequestsPerMinute int
	MaxConcurrent     int
	DailyTokenBudget  int
}

// StreamTokenConfig configures the HS256 signer used to mint and verify the
// short-lived stream tokens handed out by the send endpoint and consumed by
// the SSE endpoint. TTL is loaded from STREAM_TOKEN_TTL_SECONDS but nothing
// applies it: minted tokens always live for streamtoken.TTL (60s).
type StreamTokenConfig struct {
	SigningKey []byte
	TTL        time.Duration
}

// Config is the fully resolved, validated process configuration. Every field
// here is either required (the loader fails fast if absent) or carries a
// documented default; nothing downstream of Load should re-derive a default.
type Config struct {
	// HTTP server
	Host string
	Port int

	// Postgres / Redis
	DatabaseURL string
	RedisURL    string

	// Encryption at rest for BYOK keys (cryptobox.Envelope)
	MasterKeyBase64 string

	// Stream token signing
	StreamToken StreamTokenConfig

	// Internal shared secret required on the stream-token mint route, on top
	// of bearer auth. Compared with crypto/subtle in the auth middleware.
	InternalSharedSecret string

	// Bearer-JWT verification (end-user auth)
	JWTIssuer   string
	JWTAudience string
	JWKSURL     string

	// LLM providers
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	RateLimit RateLimitConfig

	// Observability
	LogLevel     string
	LogPath      string
	Env          string // "production", "development", or "test"; reported as the OTel environment
	OTLPEndpoint string

	// Sweeper
	SweepInterval     time.Duration
	SweepStalePending time.Duration
}
