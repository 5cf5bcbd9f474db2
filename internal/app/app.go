// Package app wires all Viva subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the health and metrics endpoints until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithSessionStore,
// WithEmbedder, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vantagehq/viva/internal/archive"
	"github.com/vantagehq/viva/internal/config"
	"github.com/vantagehq/viva/internal/health"
	"github.com/vantagehq/viva/internal/observe"
	"github.com/vantagehq/viva/internal/store"
	"github.com/vantagehq/viva/internal/store/postgres"
	"github.com/vantagehq/viva/pkg/capture"
	"github.com/vantagehq/viva/pkg/playback"
)

// defaultEmbeddingDimensions matches OpenAI text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// Devices holds the platform-specific audio and video endpoints. They come
// from main.go because opening a microphone or a screen grabber is outside
// this package's concern.
type Devices struct {
	// MicSource is the Opus packet stream from the microphone. Required.
	MicSource capture.Source

	// AudioOutput plays scheduled PCM frames. Required.
	AudioOutput playback.Output

	// ScreenSource grabs screen frames. Nil disables screen sharing even
	// when the config enables it.
	ScreenSource capture.FrameSource
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	sessions store.SessionStore
	index    store.TranscriptIndex
	pinger   func(context.Context) error
	embedder archive.Embedder
	archiver *archive.Archiver
	manager  *SessionManager

	// routes are extra HTTP handlers registered before Run builds the mux.
	routes map[string]http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Handle registers an extra HTTP route (e.g. the client websocket bridge)
// to be served alongside the health and metrics endpoints. Must be called
// before Run.
func (a *App) Handle(pattern string, h http.Handler) {
	if a.routes == nil {
		a.routes = make(map[string]http.Handler)
	}
	a.routes[pattern] = h
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s store.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithTranscriptIndex injects a transcript index instead of creating one from config.
func WithTranscriptIndex(idx store.TranscriptIndex) Option {
	return func(a *App) { a.index = idx }
}

// WithEmbedder injects an embedder for the archive instead of creating an
// OpenAI-backed one from config.
func WithEmbedder(e archive.Embedder) Option {
	return func(a *App) { a.embedder = e }
}

// WithMetrics injects a metrics instance instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) {
		if log != nil {
			a.log = log
		}
	}
}

// New creates an App by wiring all subsystems together. The devices struct
// comes from main.go. Use Option functions to inject test doubles for any
// subsystem.
func New(ctx context.Context, cfg *config.Config, devices Devices, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initArchive(); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Config:   cfg,
		Devices:  devices,
		Sessions: a.sessions,
		Archiver: a.archiver,
		Metrics:  a.metrics,
		Logger:   a.log,
	})

	return a, nil
}

// initStore sets up the PostgreSQL store when a DSN is configured, falling
// back to the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.sessions != nil && a.index != nil {
		return nil // both injected
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		mem := store.NewMemoryStore()
		if a.sessions == nil {
			a.sessions = mem
		}
		if a.index == nil {
			a.index = mem
		}
		a.log.Info("no postgres DSN configured, sessions kept in memory")
		return nil
	}

	dims := a.cfg.Archive.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDimensions
	}

	pg, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	if a.sessions == nil {
		a.sessions = pg
	}
	if a.index == nil {
		a.index = pg
	}
	a.pinger = pg.Ping
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initArchive builds the transcript archiver when enabled. An embedder
// injected via WithEmbedder is rebound to the real index here.
func (a *App) initArchive() error {
	if a.embedder == nil {
		if !a.cfg.Archive.Enabled {
			return nil
		}
		embOpts := []archive.EmbedderOption{}
		if a.cfg.Archive.BaseURL != "" {
			embOpts = append(embOpts, archive.WithBaseURL(a.cfg.Archive.BaseURL))
		}
		emb, err := archive.NewOpenAIEmbedder(a.cfg.Archive.APIKey, a.cfg.Archive.EmbeddingModel, embOpts...)
		if err != nil {
			return err
		}
		a.embedder = archive.NewBreakerEmbedder(emb, nil)
	}
	a.archiver = archive.New(a.embedder, a.index, archive.WithLogger(a.log))
	return nil
}

// Sessions exposes the session manager for callers driving interviews.
func (a *App) Sessions() *SessionManager { return a.manager }

// Store exposes the session store for read paths.
func (a *App) Store() store.SessionStore { return a.sessions }

// Archiver returns the transcript archiver, or nil when disabled.
func (a *App) Archiver() *archive.Archiver { return a.archiver }

// Run serves the health and metrics HTTP endpoints and blocks until ctx is
// cancelled. When no listen address is configured, Run just waits for ctx.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		a.log.Info("no listen address configured, http endpoints disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	mux := http.NewServeMux()
	var probes []health.Probe
	if a.pinger != nil {
		probes = append(probes, health.Probe{Name: "store", Run: a.pinger})
	}
	if be, ok := a.embedder.(*archive.BreakerEmbedder); ok {
		probes = append(probes, health.Probe{Name: "embeddings", Run: be.Healthy})
	}
	health.New(probes...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	for pattern, h := range a.routes {
		mux.Handle(pattern, h)
	}

	mw := observe.Middleware(a.metrics, observe.WithSessionID(func() (string, bool) {
		info, active := a.manager.Active()
		return info.SessionID, active
	}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mw(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// Shutdown stops any active session and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if _, active := a.manager.Active(); active {
			if _, err := a.manager.Stop(ctx); err != nil {
				a.log.Warn("failed to stop active session", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
