// Package store defines persistence interfaces for finished interview
// sessions and the semantic transcript index, plus an in-memory
// implementation for tests and DSN-less deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vantagehq/viva/internal/interview"
)

// ErrNotFound is returned when the requested session does not exist.
var ErrNotFound = errors.New("store: session not found")

// SessionStore persists finished interview sessions.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// SaveSession writes a finished session with all of its turns and
	// screen captures. Saving the same session ID twice replaces the
	// previous record.
	SaveSession(ctx context.Context, sess *interview.ConversationSession) error

	// Session returns the stored session with the given ID, or
	// [ErrNotFound].
	Session(ctx context.Context, id string) (*interview.ConversationSession, error)

	// ListSessions returns stored session IDs ordered by start time,
	// newest first. A limit of 0 means no limit.
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)
}

// SessionSummary is a lightweight listing row for stored sessions.
type SessionSummary struct {
	SessionID string
	StartTime time.Time
	Duration  time.Duration
	Model     string
	TurnCount int
}

// TranscriptChunk is one embedded transcript fragment in the semantic index.
type TranscriptChunk struct {
	// ID uniquely identifies the chunk; usually the turn ID.
	ID string

	// SessionID links the chunk back to its interview session.
	SessionID string

	// Role is the speaker role ("user" or "assistant").
	Role string

	// Content is the transcript text that was embedded.
	Content string

	// Embedding is the dense vector for Content. Its length must match
	// the dimension the index was created with.
	Embedding []float32

	// Timestamp is when the underlying turn started.
	Timestamp time.Time
}

// ChunkFilter narrows a transcript index search.
type ChunkFilter struct {
	SessionID string
	Role      string
	After     time.Time
	Before    time.Time
}

// ChunkResult pairs a matched chunk with its cosine distance to the query
// embedding. Smaller distances mean closer matches.
type ChunkResult struct {
	Chunk    TranscriptChunk
	Distance float64
}

// TranscriptIndex is the vector search layer over embedded transcripts.
// Implementations must be safe for concurrent use.
type TranscriptIndex interface {
	// IndexChunk upserts a pre-embedded chunk. A chunk with an existing
	// ID is completely replaced.
	IndexChunk(ctx context.Context, chunk TranscriptChunk) error

	// Search returns the topK chunks closest to the query embedding,
	// most similar first.
	Search(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error)
}
