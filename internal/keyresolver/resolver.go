// Package keyresolver picks the API key a provider call uses: the caller's
// own BYOK key, the platform's shared key, or both tried in order, according
// to the request's key mode. It has database and crypto access and is kept
// outside the LLM adapter layer, which stays free of both.
package keyresolver

import (
	"context"

	"nexus/internal/config"
	"nexus/internal/cryptobox"
	"nexus/internal/nexuserr"
	"nexus/internal/store"
)

// ResolvedKey is what a provider call actually used.
type ResolvedKey struct {
	APIKey    string
	Mode      store.KeyModeUsed
	Provider  string
	UserKeyID string // set only when Mode == KeyUsedBYOK
}

// Resolver resolves API keys for LLM calls, combining the platform's
// configured provider keys with a user's encrypted BYOK keys.
type Resolver struct {
	store     *store.Store
	envelope  *cryptobox.Envelope
	openai    config.ProviderConfig
	anthropic config.ProviderConfig
	gemini    config.ProviderConfig
}

func New(st *store.Store, envelope *cryptobox.Envelope, openai, anthropic, gemini config.ProviderConfig) *Resolver {
	return &Resolver{store: st, envelope: envelope, openai: openai, anthropic: anthropic, gemini: gemini}
}

func (r *Resolver) platformKey(provider string) string {
	switch provider {
	case "openai":
		if r.openai.Enabled {
			return r.openai.PlatformAPIKey
		}
	case "anthropic":
		if r.anthropic.Enabled {
			return r.anthropic.PlatformAPIKey
		}
	case "gemini":
		if r.gemini.Enabled {
			return r.gemini.PlatformAPIKey
		}
	}
	return ""
}

// byokKey loads and decrypts the user's usable key for provider. A key row
// that exists but fails to decrypt is treated the same as no key at all: the
// caller falls through to platform (in auto mode) or reports E_LLM_NO_KEY
// (in byok_only mode), never a hard failure.
func (r *Resolver) byokKey(ctx context.Context, userID, provider string) (apiKey, userKeyID string) {
	row, err := r.store.GetUsableUserAPIKey(ctx, userID, provider)
	if err != nil || row == nil || len(row.EncryptedKey) == 0 || len(row.KeyNonce) == 0 {
		return "", ""
	}
	plaintext, err := r.envelope.Decrypt(row.EncryptedKey, row.KeyNonce)
	if err != nil {
		return "", ""
	}
	return string(plaintext), row.ID
}

// Resolve picks the key this call uses, per keyMode:
//   - byok_only: use the user's key or fail with E_LLM_NO_KEY
//   - platform_only: use the platform key or fail with E_LLM_NO_KEY
//   - auto (default): prefer the user's key, fall back to the platform key
func (r *Resolver) Resolve(ctx context.Context, userID, provider string, keyMode store.KeyMode) (ResolvedKey, error) {
	platformKey := r.platformKey(provider)
	byok, userKeyID := r.byokKey(ctx, userID, provider)

	switch keyMode {
	case store.KeyModeBYOKOnly:
		if byok != "" {
			return ResolvedKey{APIKey: byok, Mode: store.KeyUsedBYOK, Provider: provider, UserKeyID: userKeyID}, nil
		}
		return ResolvedKey{}, nexuserr.New(nexuserr.CodeLLMNoKey, "no BYOK key available for "+provider)

	case store.KeyModePlatformOnly:
		if platformKey != "" {
			return ResolvedKey{APIKey: platformKey, Mode: store.KeyUsedPlatform, Provider: provider}, nil
		}
		return ResolvedKey{}, nexuserr.New(nexuserr.CodeLLMNoKey, "no platform key configured for "+provider)

	default: // auto
		if byok != "" {
			return ResolvedKey{APIKey: byok, Mode: store.KeyUsedBYOK, Provider: provider, UserKeyID: userKeyID}, nil
		}
		if platformKey != "" {
			return ResolvedKey{APIKey: platformKey, Mode: store.KeyUsedPlatform, Provider: provider}, nil
		}
		return ResolvedKey{}, nexuserr.New(nexuserr.CodeLLMNoKey, "no API key available for "+provider)
	}
}

// UpdateStatus records a BYOK key's outcome after a provider call. A no-op
// when the call used the platform key (userKeyID is empty).
func (r *Resolver) UpdateStatus(ctx context.Context, userKeyID string, status store.KeyStatus) error {
	if userKeyID == "" {
		return nil
	}
	return r.store.UpdateUserKeyStatus(ctx, userKeyID, status)
}
