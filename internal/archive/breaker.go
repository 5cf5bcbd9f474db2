package archive

import (
	"context"
	"fmt"

	"github.com/vantagehq/viva/internal/resilience"
)

// BreakerEmbedder guards an [Embedder] with a circuit breaker so that a
// failing embedding API stops being called for a cool-down period instead of
// delaying every session teardown.
type BreakerEmbedder struct {
	inner   Embedder
	breaker *resilience.Breaker
}

// NewBreakerEmbedder wraps inner with the given breaker. A nil breaker gets
// default settings named after the embedding model.
func NewBreakerEmbedder(inner Embedder, breaker *resilience.Breaker) *BreakerEmbedder {
	if breaker == nil {
		breaker = resilience.New(resilience.Settings{
			Name: "embeddings/" + inner.ModelID(),
		})
	}
	return &BreakerEmbedder{inner: inner, breaker: breaker}
}

// Embed implements [Embedder].
func (e *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.breaker.Do(func() error {
		var err error
		out, err = e.inner.Embed(ctx, text)
		return err
	})
	return out, err
}

// EmbedBatch implements [Embedder].
func (e *BreakerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.breaker.Do(func() error {
		var err error
		out, err = e.inner.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}

// Dimensions implements [Embedder].
func (e *BreakerEmbedder) Dimensions() int { return e.inner.Dimensions() }

// ModelID implements [Embedder].
func (e *BreakerEmbedder) ModelID() string { return e.inner.ModelID() }

// Healthy is a readiness probe for the embedding path: an open circuit means
// the upstream is being refused work.
func (e *BreakerEmbedder) Healthy(context.Context) error {
	if s := e.breaker.State(); s == resilience.Open {
		return fmt.Errorf("archive: embedding circuit %s", s)
	}
	return nil
}

var _ Embedder = (*BreakerEmbedder)(nil)
