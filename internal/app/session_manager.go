package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vantagehq/viva/internal/archive"
	"github.com/vantagehq/viva/internal/config"
	"github.com/vantagehq/viva/internal/interview"
	"github.com/vantagehq/viva/internal/observe"
	"github.com/vantagehq/viva/internal/store"
	"github.com/vantagehq/viva/pkg/capture"
	"github.com/vantagehq/viva/pkg/live"
	"github.com/vantagehq/viva/pkg/playback"
)

// SessionInfo holds metadata about an active interview session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// JobTitle is the position the candidate is interviewing for.
	JobTitle string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// SessionManager manages the lifecycle of interview sessions. Only one
// session can be active at a time (enforced by mutex). All exported methods
// are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	active  bool
	info    SessionInfo
	orch    *interview.Orchestrator
	cancels []func()

	// lastUserActivity feeds the response-time histogram. It has its own
	// mutex because the orchestrator fires transcript events while Start
	// still holds sm.mu.
	activityMu       sync.Mutex
	lastUserActivity time.Time

	// Dependencies injected at construction.
	cfg      *config.Config
	devices  Devices
	sessions store.SessionStore
	archiver *archive.Archiver
	metrics  *observe.Metrics
	log      *slog.Logger
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Devices  Devices
	Sessions store.SessionStore

	// Archiver may be nil when the transcript archive is disabled.
	Archiver *archive.Archiver

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:      cfg.Config,
		devices:  cfg.Devices,
		sessions: cfg.Sessions,
		archiver: cfg.Archiver,
		metrics:  m,
		log:      log,
	}
}

// Start begins a new interview session: it builds a fresh transport,
// playback scheduler, and capture engines from config, connects to the live
// provider, starts listening on the microphone, and (when enabled) starts
// screen capture.
//
// Returns an error if a session is already active.
func (sm *SessionManager) Start(ctx context.Context, ictx interview.InterviewContext) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return SessionInfo{}, fmt.Errorf("session manager: a session is already active (id=%s)", sm.info.SessionID)
	}

	orch, player := sm.buildOrchestrator()
	sm.wireMetrics(ctx, orch, player)

	connectStart := time.Now()
	if err := orch.StartSession(ctx, ictx); err != nil {
		sm.dropSubscriptions()
		sm.metrics.RecordTransportError(ctx, "dial")
		return SessionInfo{}, err
	}
	sm.metrics.ConnectDuration.Record(ctx, time.Since(connectStart).Seconds())

	if err := orch.StartListening(); err != nil {
		_, _ = orch.EndSession()
		sm.dropSubscriptions()
		return SessionInfo{}, fmt.Errorf("session manager: start listening: %w", err)
	}

	if sm.cfg.Screen.Enabled && sm.devices.ScreenSource != nil {
		if err := orch.StartScreenCapture(); err != nil {
			sm.log.Warn("screen capture unavailable", "err", err)
		}
	}

	sm.orch = orch
	sm.active = true
	sm.info = SessionInfo{
		SessionID: orch.SessionID(),
		JobTitle:  ictx.JobTitle,
		StartedAt: time.Now(),
	}
	sm.metrics.ActiveSessions.Add(ctx, 1)
	sm.log.Info("interview session started",
		"session_id", sm.info.SessionID,
		"job_title", ictx.JobTitle,
	)
	return sm.info, nil
}

// buildOrchestrator assembles a fresh orchestrator from config and devices.
// The scheduler is returned alongside so metrics can sample its buffer depth.
// Caller holds sm.mu.
func (sm *SessionManager) buildOrchestrator() (*interview.Orchestrator, *playback.Scheduler) {
	liveCfg := sm.cfg.Live

	clientOpts := []live.Option{live.WithLogger(sm.log)}
	if liveCfg.Model != "" {
		clientOpts = append(clientOpts, live.WithModel(liveCfg.Model))
	}
	if liveCfg.BaseURL != "" {
		clientOpts = append(clientOpts, live.WithBaseURL(liveCfg.BaseURL))
	}
	client := live.NewClient(liveCfg.APIKey, clientOpts...)

	var schedOpts []playback.Option
	if d := sm.cfg.Playback.FrameDuration; d > 0 {
		schedOpts = append(schedOpts, playback.WithFrameDuration(d))
	}
	if d := sm.cfg.Playback.LookAhead; d > 0 {
		schedOpts = append(schedOpts, playback.WithLookAhead(d))
	}
	if d := sm.cfg.Playback.StartLatency; d > 0 {
		schedOpts = append(schedOpts, playback.WithStartLatency(d))
	}
	player := playback.New(sm.devices.AudioOutput, schedOpts...)

	var micOpts []capture.MicOption
	micOpts = append(micOpts, capture.WithMicLogger(sm.log))
	if n := sm.cfg.Capture.BlockSamples; n > 0 {
		micOpts = append(micOpts, capture.WithBlockSamples(n))
	}
	mic := capture.NewMicEngine(sm.devices.MicSource, micOpts...)

	orchOpts := []interview.Option{
		interview.WithLogger(sm.log),
		interview.WithModel(liveCfg.Model),
		interview.WithVoice(liveCfg.Voice),
		interview.WithTranscription(liveCfg.TranscribeInput, liveCfg.TranscribeOutput),
	}
	if sm.cfg.Screen.Enabled && sm.devices.ScreenSource != nil {
		screenOpts := []capture.ScreenOption{capture.WithScreenLogger(sm.log)}
		if d := sm.cfg.Screen.Interval; d > 0 {
			screenOpts = append(screenOpts, capture.WithCaptureInterval(d))
		}
		if q := sm.cfg.Screen.JPEGQuality; q > 0 {
			screenOpts = append(screenOpts, capture.WithJPEGQuality(q))
		}
		orchOpts = append(orchOpts, interview.WithScreen(
			capture.NewScreenEngine(sm.devices.ScreenSource, screenOpts...),
		))
	}

	return interview.NewOrchestrator(client, player, mic, orchOpts...), player
}

// wireMetrics subscribes metric recorders to orchestrator events and
// registers the playback buffer depth gauge for this session's scheduler.
// Caller holds sm.mu.
func (sm *SessionManager) wireMetrics(ctx context.Context, orch *interview.Orchestrator, player *playback.Scheduler) {
	sm.cancels = []func(){
		orch.OnInterrupted(func() {
			sm.metrics.Interruptions.Add(ctx, 1)
		}),
		orch.OnScreenCapture(func(capture.Capture) {
			sm.metrics.ScreenCaptures.Add(ctx, 1)
		}),
		orch.OnAudioReceived(func([]byte) {
			sm.metrics.RecordTransportFrame(ctx, "in")
			sm.metrics.ScheduledFrames.Add(ctx, 1)
		}),
		orch.OnUserTranscript(func(live.Transcript) {
			sm.activityMu.Lock()
			sm.lastUserActivity = time.Now()
			sm.activityMu.Unlock()
		}),
		orch.OnAISpeakingStart(func() {
			sm.activityMu.Lock()
			last := sm.lastUserActivity
			sm.lastUserActivity = time.Time{}
			sm.activityMu.Unlock()
			if !last.IsZero() {
				sm.metrics.ResponseTime.Record(ctx, time.Since(last).Seconds())
			}
		}),
		orch.OnError(func(error) {
			sm.metrics.RecordTransportError(ctx, "receive")
		}),
	}

	unregister, err := sm.metrics.ObservePlaybackBuffer(func() int64 {
		return player.BufferedDuration().Milliseconds()
	})
	if err != nil {
		sm.log.Warn("playback buffer gauge unavailable", "err", err)
		return
	}
	sm.cancels = append(sm.cancels, unregister)
}

// dropSubscriptions cancels metric subscriptions. Caller holds sm.mu.
func (sm *SessionManager) dropSubscriptions() {
	for _, cancel := range sm.cancels {
		cancel()
	}
	sm.cancels = nil
}

// Stop ends the active session, persists the finished record, and archives
// its transcript. Persistence failures are logged, not returned; the caller
// always gets the finished session back when one was active.
func (sm *SessionManager) Stop(ctx context.Context) (*interview.ConversationSession, error) {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return nil, fmt.Errorf("session manager: no active session")
	}
	orch := sm.orch
	info := sm.info
	sm.active = false
	sm.orch = nil
	sm.mu.Unlock()

	sess, err := orch.EndSession()

	sm.mu.Lock()
	sm.dropSubscriptions()
	sm.mu.Unlock()
	sm.metrics.ActiveSessions.Add(ctx, -1)

	if err != nil {
		return nil, fmt.Errorf("session manager: end session: %w", err)
	}

	sm.metrics.Turns.Add(ctx, int64(sess.Analytics.UserTurns),
		metric.WithAttributes(observe.Attr("role", "user")))
	sm.metrics.Turns.Add(ctx, int64(sess.Analytics.AssistantTurns),
		metric.WithAttributes(observe.Attr("role", "assistant")))

	if sm.sessions != nil {
		if err := sm.sessions.SaveSession(ctx, sess); err != nil {
			sm.log.Error("failed to persist session", "session_id", sess.SessionID, "err", err)
		}
	}
	if sm.archiver != nil {
		if n, err := sm.archiver.ArchiveSession(ctx, sess); err != nil {
			sm.log.Warn("failed to archive transcript", "session_id", sess.SessionID, "err", err)
		} else if n > 0 {
			sm.log.Debug("transcript archived", "session_id", sess.SessionID, "chunks", n)
		}
	}

	sm.log.Info("interview session stopped",
		"session_id", info.SessionID,
		"turns", sess.Analytics.TotalTurns,
		"interruptions", sess.Analytics.InterruptionCount,
	)
	return sess, nil
}

// UpdateContext applies a context update to the active session and returns
// the merged context.
func (sm *SessionManager) UpdateContext(u interview.ContextUpdate) (interview.InterviewContext, error) {
	sm.mu.Lock()
	orch := sm.orch
	sm.mu.Unlock()
	if orch == nil {
		return interview.InterviewContext{}, fmt.Errorf("session manager: no active session")
	}
	return orch.UpdateContext(u), nil
}

// Active reports whether a session is currently running and, if so, its info.
func (sm *SessionManager) Active() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}
