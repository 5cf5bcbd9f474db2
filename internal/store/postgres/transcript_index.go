package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/vantagehq/viva/internal/store"
)

// IndexChunk implements [store.TranscriptIndex]. It upserts a pre-embedded
// [store.TranscriptChunk] into the transcript_chunks table. If a chunk with
// the same ID already exists it is completely replaced.
func (s *Store) IndexChunk(ctx context.Context, chunk store.TranscriptChunk) error {
	const q = `
		INSERT INTO transcript_chunks
		    (id, session_id, role, content, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    role       = EXCLUDED.role,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    timestamp  = EXCLUDED.timestamp`

	vec := pgvector.NewVector(chunk.Embedding)
	_, err := s.pool.Exec(ctx, q,
		chunk.ID,
		chunk.SessionID,
		chunk.Role,
		chunk.Content,
		vec,
		chunk.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("transcript index: index chunk: %w", err)
	}
	return nil
}

// Search implements [store.TranscriptIndex]. It finds the topK chunks whose
// embeddings are closest (cosine distance) to the supplied query embedding,
// optionally filtered by filter.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter store.ChunkFilter) ([]store.ChunkResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(filter.SessionID))
	}
	if filter.Role != "" {
		conditions = append(conditions, "role = "+next(filter.Role))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, session_id, role, content, embedding, timestamp,
		       embedding <=> $1 AS distance
		FROM   transcript_chunks
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChunkResult, error) {
		var (
			cr  store.ChunkResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&cr.Chunk.ID,
			&cr.Chunk.SessionID,
			&cr.Chunk.Role,
			&cr.Chunk.Content,
			&vec,
			&cr.Chunk.Timestamp,
			&cr.Distance,
		); err != nil {
			return store.ChunkResult{}, err
		}
		cr.Chunk.Embedding = vec.Slice()
		return cr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript index: scan rows: %w", err)
	}
	if results == nil {
		results = []store.ChunkResult{}
	}
	return results, nil
}
