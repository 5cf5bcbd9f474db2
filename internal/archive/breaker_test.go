package archive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vantagehq/viva/internal/archive"
	"github.com/vantagehq/viva/internal/resilience"
)

func TestBreakerEmbedder_PassesThrough(t *testing.T) {
	t.Parallel()

	inner := newFakeEmbedder()
	e := archive.NewBreakerEmbedder(inner, nil)

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("vector dims = %d, want 4", len(vec))
	}
	if e.Dimensions() != inner.Dimensions() || e.ModelID() != inner.ModelID() {
		t.Error("metadata should pass through to the inner embedder")
	}
}

func TestBreakerEmbedder_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	inner := newFakeEmbedder()
	inner.embedErr = errors.New("upstream down")
	breaker := resilience.New(resilience.Settings{
		Name:     "test",
		Trip:     2,
		Cooldown: time.Hour,
	})
	e := archive.NewBreakerEmbedder(inner, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.Embed(ctx, "x"); err == nil {
			t.Fatal("expected upstream error")
		}
	}

	// Breaker is now open: the inner embedder must not be called again.
	before := inner.batchCalls
	if _, err := e.EmbedBatch(ctx, []string{"y"}); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if inner.batchCalls != before {
		t.Error("inner embedder was called while the breaker was open")
	}

	// The readiness probe mirrors the circuit.
	if err := e.Healthy(ctx); err == nil {
		t.Error("Healthy should fail while the circuit is open")
	}
}

func TestBreakerEmbedder_HealthyWhileClosed(t *testing.T) {
	t.Parallel()

	e := archive.NewBreakerEmbedder(newFakeEmbedder(), nil)
	if err := e.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy on a fresh embedder = %v, want nil", err)
	}
}
