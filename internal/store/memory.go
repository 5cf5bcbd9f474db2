package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vantagehq/viva/internal/interview"
)

// Compile-time interface checks.
var (
	_ SessionStore    = (*MemoryStore)(nil)
	_ TranscriptIndex = (*MemoryStore)(nil)
)

// MemoryStore keeps sessions and transcript chunks in process memory. It is
// the default store when no Postgres DSN is configured, and the test double
// for everything that depends on [SessionStore] or [TranscriptIndex].
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*interview.ConversationSession
	chunks   map[string]TranscriptChunk
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*interview.ConversationSession),
		chunks:   make(map[string]TranscriptChunk),
	}
}

// SaveSession implements [SessionStore].
func (m *MemoryStore) SaveSession(_ context.Context, sess *interview.ConversationSession) error {
	if sess == nil || sess.SessionID == "" {
		return fmt.Errorf("store: save session: missing session ID")
	}
	cp := *sess
	cp.Turns = append([]interview.ConversationTurn(nil), sess.Turns...)
	cp.ScreenCaptures = append(cp.ScreenCaptures[:0:0], sess.ScreenCaptures...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.SessionID] = &cp
	return nil
}

// Session implements [SessionStore].
func (m *MemoryStore) Session(_ context.Context, id string) (*interview.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	cp.Turns = append([]interview.ConversationTurn(nil), sess.Turns...)
	cp.ScreenCaptures = append(cp.ScreenCaptures[:0:0], sess.ScreenCaptures...)
	return &cp, nil
}

// ListSessions implements [SessionStore].
func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]SessionSummary, error) {
	m.mu.RLock()
	summaries := make([]SessionSummary, 0, len(m.sessions))
	for _, sess := range m.sessions {
		summaries = append(summaries, SessionSummary{
			SessionID: sess.SessionID,
			StartTime: sess.StartTime,
			Duration:  sess.Duration,
			Model:     sess.Model,
			TurnCount: len(sess.Turns),
		})
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// IndexChunk implements [TranscriptIndex].
func (m *MemoryStore) IndexChunk(_ context.Context, chunk TranscriptChunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("store: index chunk: missing chunk ID")
	}
	chunk.Embedding = append([]float32(nil), chunk.Embedding...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[chunk.ID] = chunk
	return nil
}

// Search implements [TranscriptIndex] with a brute-force cosine distance
// scan. Fine for the in-memory store; Postgres uses an HNSW index instead.
func (m *MemoryStore) Search(_ context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error) {
	m.mu.RLock()
	results := make([]ChunkResult, 0, len(m.chunks))
	for _, chunk := range m.chunks {
		if filter.SessionID != "" && chunk.SessionID != filter.SessionID {
			continue
		}
		if filter.Role != "" && chunk.Role != filter.Role {
			continue
		}
		if !filter.After.IsZero() && !chunk.Timestamp.After(filter.After) {
			continue
		}
		if !filter.Before.IsZero() && !chunk.Timestamp.Before(filter.Before) {
			continue
		}
		results = append(results, ChunkResult{
			Chunk:    chunk,
			Distance: cosineDistance(embedding, chunk.Embedding),
		})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
