package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─── DDL — identity ──────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL    PRIMARY KEY,
    login_name    TEXT         NOT NULL UNIQUE,
    login_type    TEXT         NOT NULL DEFAULT 'password',
    password_hash TEXT         NOT NULL DEFAULT '',
    user_name     TEXT         NOT NULL DEFAULT '',
    avatar        TEXT         NOT NULL DEFAULT '',
    status        SMALLINT     NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlDevices = `
CREATE TABLE IF NOT EXISTS devices (
    id           BIGSERIAL    PRIMARY KEY,
    device_uuid  TEXT         NOT NULL UNIQUE,
    device_type  TEXT         NOT NULL DEFAULT 'speaker',
    online       BOOLEAN      NOT NULL DEFAULT FALSE,
    last_active  TIMESTAMPTZ,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_devices (
    user_id    BIGINT      NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    device_id  BIGINT      NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
    is_owner   BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, device_id)
);
`

// ─── DDL — agents ────────────────────────────────────────────────────────────

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agent_templates (
    id            BIGSERIAL    PRIMARY KEY,
    name          TEXT         NOT NULL,
    avatar        TEXT         NOT NULL DEFAULT '',
    device_type   TEXT         NOT NULL DEFAULT 'speaker',
    creator_id    BIGINT       NOT NULL DEFAULT 0,
    module_params JSONB        NOT NULL DEFAULT '{}',
    agent_config  JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agents (
    id            BIGSERIAL    PRIMARY KEY,
    user_id       BIGINT       NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    template_id   BIGINT       NOT NULL DEFAULT 0,
    device_id     BIGINT,
    name          TEXT         NOT NULL,
    avatar        TEXT         NOT NULL DEFAULT '',
    module_params JSONB        NOT NULL DEFAULT '{}',
    agent_config  JSONB        NOT NULL DEFAULT '{}',
    memory_data   JSONB        NOT NULL DEFAULT '{}',
    status        SMALLINT     NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agents_user_id ON agents (user_id);
`

// ─── DDL — conversation ──────────────────────────────────────────────────────

const ddlConversation = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT         PRIMARY KEY,
    user_id     BIGINT       NOT NULL,
    agent_id    BIGINT       NOT NULL,
    device_id   BIGINT,
    copilot     BOOLEAN      NOT NULL DEFAULT FALSE,
    open        BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    closed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions (agent_id);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id  ON sessions (user_id);

CREATE TABLE IF NOT EXISTS chat_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    agent_id    BIGINT       NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    audio_path  TEXT         NOT NULL DEFAULT '',
    emotion     TEXT         NOT NULL DEFAULT '',
    confidence  REAL         NOT NULL DEFAULT 0,
    copilot     BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session
    ON chat_messages (session_id, created_at);

CREATE INDEX IF NOT EXISTS idx_chat_messages_agent
    ON chat_messages (agent_id, copilot, created_at);

CREATE TABLE IF NOT EXISTS compressed_history (
    id                BIGSERIAL    PRIMARY KEY,
    agent_id          BIGINT       NOT NULL,
    copilot           BOOLEAN      NOT NULL DEFAULT FALSE,
    content           TEXT         NOT NULL,
    content_last_time TIMESTAMPTZ  NOT NULL,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_compressed_history_agent
    ON compressed_history (agent_id, copilot, content_last_time);
`

// ─── DDL — background jobs ───────────────────────────────────────────────────

const ddlJobs = `
CREATE TABLE IF NOT EXISTS session_analyses (
    id               BIGSERIAL    PRIMARY KEY,
    session_id       TEXT         NOT NULL UNIQUE,
    agent_id         BIGINT       NOT NULL,
    status           TEXT         NOT NULL DEFAULT 'pending',
    duration_seconds REAL         NOT NULL DEFAULT 0,
    avg_utterance    REAL         NOT NULL DEFAULT 0,
    analysis_result  JSONB,
    retry_count      INT          NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_analyses_status
    ON session_analyses (status);

CREATE TABLE IF NOT EXISTS growth_summaries (
    id           BIGSERIAL    PRIMARY KEY,
    agent_id     BIGINT       NOT NULL,
    summary_date DATE         NOT NULL,
    summary_type TEXT         NOT NULL,
    content      JSONB,
    status       TEXT         NOT NULL DEFAULT 'pending',
    scheduled_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (agent_id, summary_date, summary_type)
);

CREATE INDEX IF NOT EXISTS idx_growth_summaries_due
    ON growth_summaries (status, scheduled_at);
`

// ─── DDL — voice clones ──────────────────────────────────────────────────────

const ddlVoiceClones = `
CREATE TABLE IF NOT EXISTS voice_clones (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     BIGINT       NOT NULL,
    name        TEXT         NOT NULL,
    provider    TEXT         NOT NULL,
    speaker_id  TEXT         NOT NULL DEFAULT '',
    sample_path TEXT         NOT NULL DEFAULT '',
    status      TEXT         NOT NULL DEFAULT 'training',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_clones_user ON voice_clones (user_id);
`

// ─── DDL — usage metrics ─────────────────────────────────────────────────────

const ddlAIMetrics = `
CREATE TABLE IF NOT EXISTS ai_metrics (
    id                BIGSERIAL    PRIMARY KEY,
    monitor_id        TEXT         NOT NULL,
    kind              TEXT         NOT NULL,
    provider          TEXT         NOT NULL,
    model             TEXT         NOT NULL DEFAULT '',
    session_id        TEXT         NOT NULL DEFAULT '',
    start_time        TIMESTAMPTZ  NOT NULL,
    end_time          TIMESTAMPTZ  NOT NULL,
    prompt_tokens     INT          NOT NULL DEFAULT 0,
    completion_tokens INT          NOT NULL DEFAULT 0,
    total_tokens      INT          NOT NULL DEFAULT 0,
    input_chars       INT          NOT NULL DEFAULT 0,
    output_chars      INT          NOT NULL DEFAULT 0,
    first_byte_ms     BIGINT       NOT NULL DEFAULT 0,
    first_token_ms    BIGINT       NOT NULL DEFAULT 0,
    total_ms          BIGINT       NOT NULL DEFAULT 0,
    input_cost        NUMERIC(12,6) NOT NULL DEFAULT 0,
    output_cost       NUMERIC(12,6) NOT NULL DEFAULT 0,
    total_cost        NUMERIC(12,6) NOT NULL DEFAULT 0,
    status            TEXT         NOT NULL DEFAULT 'ok'
);

CREATE INDEX IF NOT EXISTS idx_ai_metrics_session  ON ai_metrics (session_id);
CREATE INDEX IF NOT EXISTS idx_ai_metrics_start    ON ai_metrics (start_time);
CREATE INDEX IF NOT EXISTS idx_ai_metrics_provider ON ai_metrics (provider, model);
`

// ddlMemoryFacts returns the memory facts DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema
// creation time.
func ddlMemoryFacts(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_facts (
    id         TEXT         PRIMARY KEY,
    agent_id   TEXT         NOT NULL,
    category   TEXT         NOT NULL DEFAULT '',
    content    TEXT         NOT NULL,
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_facts_agent ON memory_facts (agent_id);
`, embeddingDimensions)
}

// Migrate applies the full schema idempotently. Every statement is CREATE
// ... IF NOT EXISTS, so it is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	ddls := []struct {
		name string
		sql  string
	}{
		{"memory_facts", ddlMemoryFacts(embeddingDimensions)},
		{"users", ddlUsers},
		{"devices", ddlDevices},
		{"agents", ddlAgents},
		{"conversation", ddlConversation},
		{"jobs", ddlJobs},
		{"voice_clones", ddlVoiceClones},
		{"ai_metrics", ddlAIMetrics},
	}
	for _, d := range ddls {
		if _, err := pool.Exec(ctx, d.sql); err != nil {
			return fmt.Errorf("store: migrate %s: %w", d.name, err)
		}
	}
	return nil
}
