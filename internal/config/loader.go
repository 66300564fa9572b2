package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables (optionally .env).
// Required settings (database URL, master encryption key, stream-token
// signing key, internal shared secret, JWKS URL) fail the load outright
// rather than falling back to an insecure default; everything else carries
// the documented default.
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment variables,
	// matching local-dev expectations for repository-checked-in defaults.
	_ = godotenv.Overload()

	cfg := Config{
		Host: firstNonEmpty(strings.TrimSpace(os.Getenv("HOST")), "0.0.0.0"),
		Port: 8080,

		LogLevel: firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
		LogPath:  strings.TrimSpace(os.Getenv("LOG_PATH")),
		Env:      firstNonEmpty(strings.TrimSpace(os.Getenv("ENVIRONMENT")), "development"),

		RateLimit: RateLimitConfig{
			RequestsPerMinute: 20,
			MaxConcurrent:     3,
			DailyTokenBudget:  100_000,
		},

		StreamToken: StreamTokenConfig{TTL: 60 * time.Second},

		SweepInterval:     time.Minute,
		SweepStalePending: 5 * time.Minute,
	}

	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Port = n
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	cfg.RedisURL = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_URL")), "redis://127.0.0.1:6379/0")

	cfg.MasterKeyBase64 = strings.TrimSpace(os.Getenv("NEXUS_KEY_ENCRYPTION_KEY"))
	if err := requireBase64Key(cfg.MasterKeyBase64, 32, "NEXUS_KEY_ENCRYPTION_KEY"); err != nil {
		return Config{}, err
	}

	streamKeyB64 := strings.TrimSpace(os.Getenv("NEXUS_STREAM_TOKEN_KEY"))
	if streamKeyB64 == "" {
		return Config{}, fmt.Errorf("config: NEXUS_STREAM_TOKEN_KEY is required")
	}
	streamKey, err := base64.StdEncoding.DecodeString(streamKeyB64)
	if err != nil {
		return Config{}, fmt.Errorf("config: NEXUS_STREAM_TOKEN_KEY is not valid base64: %w", err)
	}
	if len(streamKey) < 32 {
		return Config{}, fmt.Errorf("config: NEXUS_STREAM_TOKEN_KEY must decode to at least 32 bytes, got %d", len(streamKey))
	}
	cfg.StreamToken.SigningKey = streamKey
	if v := strings.TrimSpace(os.Getenv("STREAM_TOKEN_TTL_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.StreamToken.TTL = time.Duration(n) * time.Second
		}
	}

	cfg.InternalSharedSecret = strings.TrimSpace(os.Getenv("NEXUS_INTERNAL_SHARED_SECRET"))
	if cfg.InternalSharedSecret == "" {
		return Config{}, fmt.Errorf("config: NEXUS_INTERNAL_SHARED_SECRET is required")
	}

	cfg.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	cfg.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	cfg.JWKSURL = strings.TrimSpace(os.Getenv("JWT_JWKS_URL"))
	if cfg.JWKSURL == "" {
		return Config{}, fmt.Errorf("config: JWT_JWKS_URL is required")
	}

	cfg.OpenAI = loadProvider("OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "gpt-4o-mini")
	cfg.Anthropic = loadProvider("ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "ANTHROPIC_BASE_URL", "claude-3-5-sonnet-latest")
	cfg.Gemini = loadProvider("GOOGLE_LLM_API_KEY", "GOOGLE_LLM_MODEL", "GOOGLE_LLM_BASE_URL", "gemini-1.5-flash")

	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPM")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_CONCURRENT")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.RateLimit.MaxConcurrent = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_DAILY_TOKEN_BUDGET")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.RateLimit.DailyTokenBudget = n
		}
	}

	cfg.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	if v := strings.TrimSpace(os.Getenv("SWEEP_INTERVAL_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.SweepInterval = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("SWEEP_STALE_PENDING_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.SweepStalePending = time.Duration(n) * time.Second
		}
	}

	return cfg, nil
}

func loadProvider(keyEnv, modelEnv, baseURLEnv, defaultModel string) ProviderConfig {
	key := strings.TrimSpace(os.Getenv(keyEnv))
	return ProviderConfig{
		Enabled:        key != "",
		PlatformAPIKey: key,
		Model:          firstNonEmpty(strings.TrimSpace(os.Getenv(modelEnv)), defaultModel),
		BaseURL:        strings.TrimSpace(os.Getenv(baseURLEnv)),
	}
}

func requireBase64Key(b64 string, size int, envVar string) error {
	if b64 == "" {
		return fmt.Errorf("config: %s is required", envVar)
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("config: %s is not valid base64: %w", envVar, err)
	}
	if len(key) != size {
		return fmt.Errorf("config: %s must decode to %d bytes, got %d", envVar, size, len(key))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
