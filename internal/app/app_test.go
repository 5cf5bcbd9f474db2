package app_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/vantagehq/viva/internal/app"
	"github.com/vantagehq/viva/internal/config"
	"github.com/vantagehq/viva/internal/store"
)

// stubEmbedder satisfies archive.Embedder with fixed vectors.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return 3 }

func (stubEmbedder) ModelID() string { return "stub" }

func TestNew_DefaultsToMemoryStore(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), &config.Config{}, testDevices())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application.Store() == nil {
		t.Fatal("app should have a session store without a postgres DSN")
	}
	if application.Archiver() != nil {
		t.Error("archiver should be nil when the archive is disabled")
	}
	if application.Sessions() == nil {
		t.Error("session manager should always be constructed")
	}
}

func TestNew_InjectedStoreAndEmbedder(t *testing.T) {
	t.Parallel()

	mem := store.NewMemoryStore()
	cfg := &config.Config{
		Archive: config.ArchiveConfig{Enabled: true},
	}
	application, err := app.New(
		context.Background(),
		cfg,
		testDevices(),
		app.WithSessionStore(mem),
		app.WithTranscriptIndex(mem),
		app.WithEmbedder(stubEmbedder{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application.Store() != store.SessionStore(mem) {
		t.Error("injected session store was not used")
	}
	if application.Archiver() == nil {
		t.Fatal("archiver should be built around the injected embedder")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), &config.Config{}, testDevices())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// A second call is a no-op.
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), &config.Config{}, testDevices())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give Run a moment to set up goroutines.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_HealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: addr},
	}
	application, err := app.New(context.Background(), cfg, testDevices())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	base := "http://" + addr
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if status := awaitGet(t, base+path); status != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, status, http.StatusOK)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

// freeAddr reserves a loopback port, releases it, and returns the address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// awaitGet polls the URL until the server answers, returning the final status.
func awaitGet(t *testing.T, url string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url) //nolint:gosec // loopback test URL
		if err == nil {
			resp.Body.Close()
			return resp.StatusCode
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered %s: %v", url, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
