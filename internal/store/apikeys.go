package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetUsableUserAPIKey returns the user's BYOK row for provider if one exists
// in a usable status (untested or valid). A revoked or invalid key is
// invisible here, matching the resolver's "no key" fallback path.
func (s *Store) GetUsableUserAPIKey(ctx context.Context, userID, provider string) (*UserAPIKey, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, user_id, provider, encrypted_key, key_nonce, master_key_version, key_fingerprint,
    status, created_at, last_tested_at, revoked_at
FROM user_api_keys
WHERE user_id = $1 AND provider = $2 AND status IN ('untested', 'valid')
ORDER BY created_at DESC
LIMIT 1`, userID, provider)
	var k UserAPIKey
	if err := row.Scan(&k.ID, &k.UserID, &k.Provider, &k.EncryptedKey, &k.KeyNonce, &k.MasterKeyVersion,
		&k.KeyFingerprint, &k.Status, &k.CreatedAt, &k.LastTestedAt, &k.RevokedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get usable user api key: %w", err)
	}
	return &k, nil
}

// UpdateUserKeyStatus transitions a BYOK key's status after a provider call
// reports success or failure. A revoked key never transitions back to
// valid/invalid through this path.
func (s *Store) UpdateUserKeyStatus(ctx context.Context, userKeyID string, status KeyStatus) error {
	if userKeyID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
UPDATE user_api_keys SET status = $2, last_tested_at = now()
WHERE id = $1 AND status <> 'revoked'`, userKeyID, status)
	if err != nil {
		return fmt.Errorf("store: update user key status: %w", err)
	}
	return nil
}

// GetModelByID loads a model registry row by id.
func (s *Store) GetModelByID(ctx context.Context, id string) (*ModelRegistryEntry, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, provider, model_name, max_context_tokens, is_available
FROM models WHERE id = $1`, id)
	var m ModelRegistryEntry
	if err := row.Scan(&m.ID, &m.Provider, &m.ModelName, &m.MaxContextTokens, &m.IsAvailable); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get model by id: %w", err)
	}
	return &m, nil
}

// ListAvailableModels returns every model registry row marked available, for
// the /models enumeration endpoint.
func (s *Store) ListAvailableModels(ctx context.Context) ([]ModelRegistryEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, provider, model_name, max_context_tokens, is_available
FROM models WHERE is_available = true ORDER BY provider, model_name`)
	if err != nil {
		return nil, fmt.Errorf("store: list available models: %w", err)
	}
	defer rows.Close()

	var out []ModelRegistryEntry
	for rows.Next() {
		var m ModelRegistryEntry
		if err := rows.Scan(&m.ID, &m.Provider, &m.ModelName, &m.MaxContextTokens, &m.IsAvailable); err != nil {
			return nil, fmt.Errorf("store: scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetModelByProviderAndName loads a model registry row by its natural key.
func (s *Store) GetModelByProviderAndName(ctx context.Context, provider, modelName string) (*ModelRegistryEntry, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, provider, model_name, max_context_tokens, is_available
FROM models WHERE provider = $1 AND model_name = $2`, provider, modelName)
	var m ModelRegistryEntry
	if err := row.Scan(&m.ID, &m.Provider, &m.ModelName, &m.MaxContextTokens, &m.IsAvailable); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get model by provider/name: %w", err)
	}
	return &m, nil
}
