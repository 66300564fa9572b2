package store

// schemaDDL creates every table the send-message core touches. Column names
// and constraint shapes mirror the platform's own migrations (search
// columns and their indexes are not created here); this core re-creates them with IF NOT EXISTS
// guards rather than depending on the (out-of-scope) migration runner, so a
// bare Postgres instance is enough to run it standalone.
const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS libraries (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    owner_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name TEXT NOT NULL CHECK (char_length(name) BETWEEN 1 AND 100),
    is_default BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uix_libraries_one_default_per_user
    ON libraries (owner_user_id) WHERE is_default = true;

CREATE TABLE IF NOT EXISTS memberships (
    library_id UUID NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('admin', 'member')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (library_id, user_id)
);

CREATE TABLE IF NOT EXISTS media (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    kind TEXT NOT NULL CHECK (kind IN ('web_article', 'epub', 'pdf', 'video', 'podcast_episode')),
    title TEXT NOT NULL,
    canonical_source_url TEXT,
    processing_status TEXT NOT NULL DEFAULT 'pending'
        CHECK (processing_status IN ('pending', 'extracting', 'ready_for_reading', 'embedding', 'ready', 'failed')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fragments (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    media_id UUID NOT NULL REFERENCES media(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    canonical_text TEXT NOT NULL,
    html_sanitized TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (media_id, idx)
);

CREATE TABLE IF NOT EXISTS fragment_blocks (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    fragment_id UUID NOT NULL REFERENCES fragments(id) ON DELETE CASCADE,
    block_idx INTEGER NOT NULL CHECK (block_idx >= 0),
    start_offset INTEGER NOT NULL CHECK (start_offset >= 0),
    end_offset INTEGER NOT NULL CHECK (end_offset >= start_offset),
    block_type TEXT,
    is_empty BOOLEAN NOT NULL DEFAULT false,
    UNIQUE (fragment_id, block_idx)
);

CREATE INDEX IF NOT EXISTS idx_fragment_blocks_fragment_offsets
    ON fragment_blocks (fragment_id, start_offset, end_offset);

CREATE TABLE IF NOT EXISTS library_media (
    library_id UUID NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
    media_id UUID NOT NULL REFERENCES media(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (library_id, media_id)
);

CREATE TABLE IF NOT EXISTS highlights (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    fragment_id UUID NOT NULL REFERENCES fragments(id) ON DELETE CASCADE,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    color TEXT NOT NULL CHECK (color IN ('yellow', 'green', 'blue', 'pink', 'purple')),
    exact TEXT NOT NULL,
    prefix TEXT NOT NULL,
    suffix TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (start_offset >= 0 AND end_offset > start_offset)
);

CREATE UNIQUE INDEX IF NOT EXISTS uix_highlights_user_fragment_offsets
    ON highlights (user_id, fragment_id, start_offset, end_offset);

CREATE TABLE IF NOT EXISTS annotations (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    highlight_id UUID NOT NULL UNIQUE REFERENCES highlights(id) ON DELETE CASCADE,
    body TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS default_library_intrinsics (
    default_library_id UUID NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
    media_id UUID NOT NULL REFERENCES media(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (default_library_id, media_id)
);

CREATE INDEX IF NOT EXISTS idx_default_library_intrinsics_media
    ON default_library_intrinsics (media_id, default_library_id);

CREATE TABLE IF NOT EXISTS default_library_closure_edges (
    default_library_id UUID NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
    media_id UUID NOT NULL REFERENCES media(id) ON DELETE CASCADE,
    source_library_id UUID NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (default_library_id, media_id, source_library_id)
);

CREATE INDEX IF NOT EXISTS idx_default_library_closure_edges_source
    ON default_library_closure_edges (source_library_id, default_library_id, media_id);
CREATE INDEX IF NOT EXISTS idx_default_library_closure_edges_default_media
    ON default_library_closure_edges (default_library_id, media_id);

CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    owner_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    sharing TEXT NOT NULL DEFAULT 'private' CHECK (sharing IN ('private', 'library', 'public')),
    next_seq INTEGER NOT NULL DEFAULT 1 CHECK (next_seq >= 1),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated_at
    ON conversations (owner_user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS conversation_shares (
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    library_id UUID NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, library_id)
);

CREATE TABLE IF NOT EXISTS conversation_media (
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    media_id UUID NOT NULL REFERENCES media(id) ON DELETE CASCADE,
    last_message_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, media_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_media_media ON conversation_media (media_id);

CREATE TABLE IF NOT EXISTS models (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    provider TEXT NOT NULL CHECK (provider IN ('openai', 'anthropic', 'gemini')),
    model_name TEXT NOT NULL,
    max_context_tokens INTEGER NOT NULL CHECK (max_context_tokens > 0),
    cost_per_1k_input_tokens_usd INTEGER,
    cost_per_1k_output_tokens_usd INTEGER,
    is_available BOOLEAN NOT NULL DEFAULT true,
    UNIQUE (provider, model_name)
);

CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL CHECK (seq >= 1),
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'complete' CHECK (status IN ('pending', 'complete', 'error')),
    error_code TEXT,
    model_id UUID REFERENCES models(id) ON DELETE SET NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, seq),
    CHECK (status != 'pending' OR role = 'assistant')
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages (conversation_id, seq);

CREATE TABLE IF NOT EXISTS message_llm (
    message_id UUID PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
    provider TEXT NOT NULL CHECK (provider IN ('openai', 'anthropic', 'gemini', 'unknown')),
    model_name TEXT NOT NULL,
    prompt_tokens INTEGER CHECK (prompt_tokens IS NULL OR prompt_tokens >= 0),
    completion_tokens INTEGER CHECK (completion_tokens IS NULL OR completion_tokens >= 0),
    total_tokens INTEGER CHECK (total_tokens IS NULL OR total_tokens >= 0),
    key_mode_requested TEXT NOT NULL CHECK (key_mode_requested IN ('auto', 'byok_only', 'platform_only')),
    key_mode_used TEXT NOT NULL CHECK (key_mode_used IN ('platform', 'byok', 'unknown')),
    cost_usd_micros INTEGER CHECK (cost_usd_micros IS NULL OR cost_usd_micros >= 0),
    latency_ms INTEGER CHECK (latency_ms IS NULL OR latency_ms >= 0),
    error_class TEXT,
    prompt_version TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_api_keys (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    provider TEXT NOT NULL CHECK (provider IN ('openai', 'anthropic', 'gemini')),
    encrypted_key BYTEA,
    key_nonce BYTEA CHECK (key_nonce IS NULL OR octet_length(key_nonce) = 24),
    master_key_version INTEGER DEFAULT 1 CHECK (master_key_version IS NULL OR master_key_version > 0),
    key_fingerprint TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'untested' CHECK (status IN ('untested', 'valid', 'invalid', 'revoked')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_tested_at TIMESTAMPTZ,
    revoked_at TIMESTAMPTZ,
    UNIQUE (user_id, provider)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    key TEXT NOT NULL CHECK (length(key) BETWEEN 1 AND 128),
    payload_hash TEXT NOT NULL,
    user_message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    assistant_message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, key)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_keys_user_created ON idempotency_keys (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS message_contexts (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    target_type TEXT NOT NULL CHECK (target_type IN ('media', 'highlight', 'annotation')),
    ordinal INTEGER NOT NULL CHECK (ordinal >= 0),
    media_id UUID REFERENCES media(id) ON DELETE CASCADE,
    highlight_id UUID REFERENCES highlights(id) ON DELETE CASCADE,
    annotation_id UUID REFERENCES annotations(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (message_id, ordinal),
    -- target_type must match exactly the one non-null column, not merely
    -- "exactly one of the three is non-null".
    CHECK (
        (target_type = 'media' AND media_id IS NOT NULL AND highlight_id IS NULL AND annotation_id IS NULL) OR
        (target_type = 'highlight' AND highlight_id IS NOT NULL AND media_id IS NULL AND annotation_id IS NULL) OR
        (target_type = 'annotation' AND annotation_id IS NOT NULL AND media_id IS NULL AND highlight_id IS NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_message_contexts_message ON message_contexts (message_id);
`
