package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                   TEXT         PRIMARY KEY,
    start_time           TIMESTAMPTZ  NOT NULL,
    end_time             TIMESTAMPTZ  NOT NULL,
    duration_ns          BIGINT       NOT NULL DEFAULT 0,
    model                TEXT         NOT NULL DEFAULT '',
    total_turns          INT          NOT NULL DEFAULT 0,
    user_turns           INT          NOT NULL DEFAULT 0,
    assistant_turns      INT          NOT NULL DEFAULT 0,
    user_speaking_ns     BIGINT       NOT NULL DEFAULT 0,
    ai_speaking_ns       BIGINT       NOT NULL DEFAULT 0,
    avg_response_ns      BIGINT       NOT NULL DEFAULT 0,
    interruption_count   INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_start_time
    ON sessions (start_time);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    seq          INT          NOT NULL,
    timestamp    TIMESTAMPTZ  NOT NULL,
    role         TEXT         NOT NULL,
    text         TEXT         NOT NULL DEFAULT '',
    transcript   TEXT         NOT NULL DEFAULT '',
    audio        BYTEA,
    turn_complete BOOLEAN     NOT NULL DEFAULT FALSE,
    interrupted  BOOLEAN      NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_turns_session_seq
    ON turns (session_id, seq);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', transcript));
`

const ddlScreenCaptures = `
CREATE TABLE IF NOT EXISTS screen_captures (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    timestamp    TIMESTAMPTZ  NOT NULL,
    mime_type    TEXT         NOT NULL DEFAULT '',
    width        INT          NOT NULL DEFAULT 0,
    height       INT          NOT NULL DEFAULT 0,
    data         BYTEA        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_screen_captures_session
    ON screen_captures (session_id);
`

// ddlTranscriptChunks returns the transcript index DDL with the embedding
// dimension substituted. The vector dimension is baked into the column type
// at schema creation time.
func ddlTranscriptChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcript_chunks (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_session
    ON transcript_chunks (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_embedding
    ON transcript_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSessions,
		ddlTurns,
		ddlScreenCaptures,
		ddlTranscriptChunks(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
