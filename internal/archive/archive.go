// Package archive embeds finished interview transcripts and stores them in
// the semantic transcript index, so past answers can be retrieved by
// similarity search.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vantagehq/viva/internal/interview"
	"github.com/vantagehq/viva/internal/store"
)

// Archiver embeds transcript turns of finished sessions and upserts them
// into a [store.TranscriptIndex].
type Archiver struct {
	embedder Embedder
	index    store.TranscriptIndex
	log      *slog.Logger
}

// Option configures an [Archiver].
type Option func(*Archiver)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *Archiver) {
		if log != nil {
			a.log = log
		}
	}
}

// New creates an Archiver writing to index using embedder.
func New(embedder Embedder, index store.TranscriptIndex, opts ...Option) *Archiver {
	a := &Archiver{
		embedder: embedder,
		index:    index,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveSession embeds every turn of sess that carries transcript text and
// upserts the resulting chunks. Turns without text are skipped. Indexing is
// best-effort per chunk: a failed upsert is logged and counted, and the
// remaining chunks are still written. Returns the number of chunks indexed
// and an error only when embedding itself fails or every upsert failed.
func (a *Archiver) ArchiveSession(ctx context.Context, sess *interview.ConversationSession) (int, error) {
	if sess == nil {
		return 0, errors.New("archive: nil session")
	}

	var (
		texts  []string
		chunks []store.TranscriptChunk
	)
	for _, turn := range sess.Turns {
		text := turn.Content.Transcript
		if text == "" {
			text = turn.Content.Text
		}
		if text == "" {
			continue
		}
		texts = append(texts, text)
		chunks = append(chunks, store.TranscriptChunk{
			ID:        turn.ID,
			SessionID: sess.SessionID,
			Role:      string(turn.Role),
			Content:   text,
			Timestamp: turn.Timestamp,
		})
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	embeddings, err := a.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("archive: session %s: %w", sess.SessionID, err)
	}

	indexed := 0
	var lastErr error
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
		if err := a.index.IndexChunk(ctx, chunks[i]); err != nil {
			lastErr = err
			a.log.Warn("archive: failed to index chunk",
				"session_id", sess.SessionID,
				"chunk_id", chunks[i].ID,
				"err", err,
			)
			continue
		}
		indexed++
	}
	if indexed == 0 && lastErr != nil {
		return 0, fmt.Errorf("archive: session %s: all upserts failed: %w", sess.SessionID, lastErr)
	}

	a.log.Info("archived session transcript",
		"session_id", sess.SessionID,
		"chunks", indexed,
		"model", a.embedder.ModelID(),
	)
	return indexed, nil
}

// Search embeds query and returns the topK closest transcript chunks.
func (a *Archiver) Search(ctx context.Context, query string, topK int, filter store.ChunkFilter) ([]store.ChunkResult, error) {
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return a.index.Search(ctx, vec, topK, filter)
}
