package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vantagehq/viva/pkg/audio"
	"github.com/vantagehq/viva/pkg/capture"
	"github.com/vantagehq/viva/pkg/events"
	"github.com/vantagehq/viva/pkg/live"
	"github.com/vantagehq/viva/pkg/playback"
)

var (
	// ErrSessionActive is returned by StartSession while a session runs.
	ErrSessionActive = errors.New("interview: session already active")

	// ErrNoSession is returned by operations that need a running session.
	ErrNoSession = errors.New("interview: no active session")

	// ErrNoScreen is returned by StartScreenCapture when no screen source
	// was configured.
	ErrNoScreen = errors.New("interview: no screen source configured")
)

// Transport is the duplex connection to the conversational model.
// Satisfied by [live.Client].
type Transport interface {
	Connect(ctx context.Context, cfg live.SessionConfig) error
	Disconnect() error
	IsConnected() bool
	SendAudio(chunk []byte) error
	SendText(text string, endOfTurn bool) error
	SendImage(mimeType string, data []byte) error
	OnConnected(fn func()) (cancel func())
	OnDisconnected(fn func(error)) (cancel func())
	OnAudio(fn func([]byte)) (cancel func())
	OnText(fn func(string)) (cancel func())
	OnTranscript(fn func(live.Transcript)) (cancel func())
	OnTurnComplete(fn func()) (cancel func())
	OnInterrupted(fn func()) (cancel func())
	OnError(fn func(error)) (cancel func())
}

// Player schedules synthesized audio for gapless playback.
// Satisfied by [playback.Scheduler].
type Player interface {
	StreamAudio(pcm []byte)
	FinishPlayback(onFinish func())
	ResetFinishing()
	Stop()
}

// Microphone is the exclusive mic stream. Satisfied by [capture.MicEngine].
type Microphone interface {
	Start(onChunk func(pcm []byte)) error
	Stop() error
	IsRecording() bool
}

// Screen is the optional screen-share stream.
// Satisfied by [capture.ScreenEngine].
type Screen interface {
	Start(onCapture func(capture.Capture)) error
	Stop() error
	IsActive() bool
}

var (
	_ Transport  = (*live.Client)(nil)
	_ Player     = (*playback.Scheduler)(nil)
	_ Microphone = (*capture.MicEngine)(nil)
	_ Screen     = (*capture.ScreenEngine)(nil)
)

// turnState is the open/closed variant for transcript assembly. At most one
// open turn exists at any time; every append either extends the open turn or
// closes it and opens a new one.
type turnState struct {
	open bool
	turn ConversationTurn
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithModel records the model name on the produced session.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// WithVoice selects the synthesized voice requested in the setup frame.
func WithVoice(voice string) Option {
	return func(o *Orchestrator) { o.voice = voice }
}

// WithScreen attaches an optional screen-share source.
func WithScreen(screen Screen) Option {
	return func(o *Orchestrator) { o.screen = screen }
}

// WithTranscription toggles incremental transcription of user and AI speech.
// Both default to on; turning either off loses the corresponding transcript
// text on the produced session.
func WithTranscription(input, output bool) Option {
	return func(o *Orchestrator) {
		o.transcribeIn = input
		o.transcribeOut = output
	}
}

// Orchestrator composes transport, playback, and capture into one interview
// session. Turn-taking state is derived exclusively from transport events:
// audio arriving flips "AI speaking" true, a turn-complete drains playback
// and flips it false only once the drain finishes, an interruption hard-stops
// playback and flips it false immediately.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	log       *slog.Logger
	transport Transport
	player    Player
	mic       Microphone
	screen    Screen
	model     string
	voice     string

	transcribeIn  bool
	transcribeOut bool

	connectedT      *events.Topic[struct{}]
	disconnectedT   *events.Topic[error]
	audioReceivedT  *events.Topic[[]byte]
	textReceivedT   *events.Topic[string]
	userTranscriptT *events.Topic[live.Transcript]
	aiTranscriptT   *events.Topic[live.Transcript]
	screenCaptureT  *events.Topic[capture.Capture]
	turnCompleteT   *events.Topic[struct{}]
	interruptedT    *events.Topic[struct{}]
	errorT          *events.Topic[error]
	listenStartT    *events.Topic[struct{}]
	listenStopT     *events.Topic[struct{}]
	speakStartT     *events.Topic[struct{}]
	speakStopT      *events.Topic[struct{}]

	mu         sync.Mutex
	ictx       InterviewContext
	session    *ConversationSession
	open       turnState
	started    bool
	listening  bool
	aiSpeaking bool
	cancels    []func()
}

// NewOrchestrator wires the injected collaborators into an orchestrator.
// Every session gets its own orchestrator; nothing here is shared global
// state.
func NewOrchestrator(transport Transport, player Player, mic Microphone, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:       slog.Default(),
		transport: transport,
		player:    player,
		mic:       mic,

		transcribeIn:  true,
		transcribeOut: true,

		connectedT:      events.NewTopic[struct{}]("interview.connected"),
		disconnectedT:   events.NewTopic[error]("interview.disconnected"),
		audioReceivedT:  events.NewTopic[[]byte]("interview.audio-received"),
		textReceivedT:   events.NewTopic[string]("interview.text-received"),
		userTranscriptT: events.NewTopic[live.Transcript]("interview.user-transcript"),
		aiTranscriptT:   events.NewTopic[live.Transcript]("interview.ai-transcript"),
		screenCaptureT:  events.NewTopic[capture.Capture]("interview.screen-capture"),
		turnCompleteT:   events.NewTopic[struct{}]("interview.turn-complete"),
		interruptedT:    events.NewTopic[struct{}]("interview.interrupted"),
		errorT:          events.NewTopic[error]("interview.error"),
		listenStartT:    events.NewTopic[struct{}]("interview.listening-start"),
		listenStopT:     events.NewTopic[struct{}]("interview.listening-stop"),
		speakStartT:     events.NewTopic[struct{}]("interview.ai-speaking-start"),
		speakStopT:      events.NewTopic[struct{}]("interview.ai-speaking-stop"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ── Event subscriptions ────────────────────────────────────────────────────────

// OnConnected fires once the transport's setup handshake completes.
func (o *Orchestrator) OnConnected(fn func()) (cancel func()) {
	return o.connectedT.Subscribe(func(struct{}) { fn() })
}

// OnDisconnected fires when the transport closes; the error is nil for a
// local disconnect.
func (o *Orchestrator) OnDisconnected(fn func(error)) (cancel func()) {
	return o.disconnectedT.Subscribe(fn)
}

// OnAudioReceived fires for each synthesized audio chunk, after it has been
// handed to playback.
func (o *Orchestrator) OnAudioReceived(fn func([]byte)) (cancel func()) {
	return o.audioReceivedT.Subscribe(fn)
}

// OnTextReceived fires for non-audio text fragments from the model.
func (o *Orchestrator) OnTextReceived(fn func(string)) (cancel func()) {
	return o.textReceivedT.Subscribe(fn)
}

// OnUserTranscript fires for each incremental user speech fragment.
func (o *Orchestrator) OnUserTranscript(fn func(live.Transcript)) (cancel func()) {
	return o.userTranscriptT.Subscribe(fn)
}

// OnAITranscript fires for each incremental assistant speech fragment.
func (o *Orchestrator) OnAITranscript(fn func(live.Transcript)) (cancel func()) {
	return o.aiTranscriptT.Subscribe(fn)
}

// OnScreenCapture fires for each rasterized screen still.
func (o *Orchestrator) OnScreenCapture(fn func(capture.Capture)) (cancel func()) {
	return o.screenCaptureT.Subscribe(fn)
}

// OnTurnComplete fires when the model finishes its logical turn.
func (o *Orchestrator) OnTurnComplete(fn func()) (cancel func()) {
	return o.turnCompleteT.Subscribe(func(struct{}) { fn() })
}

// OnInterrupted fires when the user barges in over the model.
func (o *Orchestrator) OnInterrupted(fn func()) (cancel func()) {
	return o.interruptedT.Subscribe(func(struct{}) { fn() })
}

// OnError fires for transport and server errors.
func (o *Orchestrator) OnError(fn func(error)) (cancel func()) {
	return o.errorT.Subscribe(fn)
}

// OnListeningStart fires when mic forwarding begins.
func (o *Orchestrator) OnListeningStart(fn func()) (cancel func()) {
	return o.listenStartT.Subscribe(func(struct{}) { fn() })
}

// OnListeningStop fires when mic forwarding ends.
func (o *Orchestrator) OnListeningStop(fn func()) (cancel func()) {
	return o.listenStopT.Subscribe(func(struct{}) { fn() })
}

// OnAISpeakingStart fires when synthesized audio starts playing.
func (o *Orchestrator) OnAISpeakingStart(fn func()) (cancel func()) {
	return o.speakStartT.Subscribe(func(struct{}) { fn() })
}

// OnAISpeakingStop fires once playback has fully drained after a
// turn-complete, or immediately on interruption. Never before the last
// scheduled sample of the turn.
func (o *Orchestrator) OnAISpeakingStop(fn func()) (cancel func()) {
	return o.speakStopT.Subscribe(func(struct{}) { fn() })
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// StartSession connects the transport with a system instruction built from
// ictx and begins routing events. It does not start the microphone; call
// StartListening for that.
func (o *Orchestrator) StartSession(ctx context.Context, ictx InterviewContext) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrSessionActive
	}
	o.started = true
	o.ictx = ictx
	o.session = &ConversationSession{
		SessionID: uuid.NewString(),
		StartTime: time.Now(),
		Model:     o.model,
	}
	o.mu.Unlock()

	o.subscribe()

	err := o.transport.Connect(ctx, live.SessionConfig{
		SystemInstruction: ictx.SystemInstruction(),
		Voice:             o.voice,
		TranscribeInput:   o.transcribeIn,
		TranscribeOutput:  o.transcribeOut,
	})
	if err != nil {
		o.unsubscribe()
		o.mu.Lock()
		o.started = false
		o.session = nil
		o.mu.Unlock()
		return fmt.Errorf("interview: connect: %w", err)
	}
	return nil
}

func (o *Orchestrator) subscribe() {
	cancels := []func(){
		o.transport.OnConnected(func() { o.connectedT.Publish(struct{}{}) }),
		o.transport.OnDisconnected(func(err error) { o.disconnectedT.Publish(err) }),
		o.transport.OnAudio(o.handleAudio),
		o.transport.OnText(o.handleText),
		o.transport.OnTranscript(o.handleTranscript),
		o.transport.OnTurnComplete(o.handleTurnComplete),
		o.transport.OnInterrupted(o.handleInterrupted),
		o.transport.OnError(func(err error) { o.errorT.Publish(err) }),
	}
	o.mu.Lock()
	o.cancels = cancels
	o.mu.Unlock()
}

func (o *Orchestrator) unsubscribe() {
	o.mu.Lock()
	cancels := o.cancels
	o.cancels = nil
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// StartListening acquires the microphone and forwards its chunks to the
// transport. Capture failures (permission denied, codec setup) are returned
// as-is with no retry; the caller decides whether to try again.
func (o *Orchestrator) StartListening() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrNoSession
	}
	if o.listening {
		o.mu.Unlock()
		return nil
	}
	// Claim the mic before releasing the lock so a concurrent caller takes
	// the no-op path instead of racing into mic.Start.
	o.listening = true
	o.mu.Unlock()

	if err := o.mic.Start(o.forwardMic); err != nil {
		o.mu.Lock()
		o.listening = false
		o.mu.Unlock()
		return fmt.Errorf("interview: start microphone: %w", err)
	}

	o.listenStartT.Publish(struct{}{})
	return nil
}

// forwardMic gates mic chunks on the listening flag, so capture can keep
// running while muted from the transport's perspective.
func (o *Orchestrator) forwardMic(pcm []byte) {
	if !o.IsListening() || !o.transport.IsConnected() {
		return
	}
	if err := o.transport.SendAudio(pcm); err != nil {
		o.log.Debug("dropping mic chunk",
			"duration", audio.BytesDuration(pcm, audio.CaptureRate), "error", err)
	}
}

// StopListening releases the microphone. Idempotent.
func (o *Orchestrator) StopListening() error {
	o.mu.Lock()
	if !o.listening {
		o.mu.Unlock()
		return nil
	}
	o.listening = false
	o.mu.Unlock()

	err := o.mic.Stop()
	o.listenStopT.Publish(struct{}{})
	return err
}

// StartScreenCapture begins periodic screen stills. Each capture is appended
// to the session and forwarded to the model best-effort.
func (o *Orchestrator) StartScreenCapture() error {
	if o.screen == nil {
		return ErrNoScreen
	}
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrNoSession
	}
	o.mu.Unlock()

	return o.screen.Start(func(c capture.Capture) {
		o.mu.Lock()
		if o.session != nil {
			o.session.ScreenCaptures = append(o.session.ScreenCaptures, c)
		}
		o.mu.Unlock()
		o.screenCaptureT.Publish(c)
		if o.transport.IsConnected() {
			if err := o.transport.SendImage(c.MimeType, c.Data); err != nil {
				o.log.Debug("dropping screen capture", "error", err)
			}
		}
	})
}

// UpdateContext merges u into the interview context and, when the current
// question changed, nudges the model toward it. Returns the merged context.
func (o *Orchestrator) UpdateContext(u ContextUpdate) InterviewContext {
	o.mu.Lock()
	o.ictx = o.ictx.Merge(u)
	merged := o.ictx
	o.mu.Unlock()

	if u.CurrentQuestionIndex != nil || u.Questions != nil {
		if q, ok := merged.CurrentQuestion(); ok && o.transport.IsConnected() {
			prompt := fmt.Sprintf("Move on to the next question: %s", q.QuestionText)
			if err := o.transport.SendText(prompt, false); err != nil {
				o.log.Debug("dropping context update", "error", err)
			}
		}
	}
	return merged
}

// EndSession tears everything down in order (microphone, screen, playback,
// transport) and returns the finished session with analytics computed once.
// The returned session is immutable; a second call returns ErrNoSession.
func (o *Orchestrator) EndSession() (*ConversationSession, error) {
	o.mu.Lock()
	if !o.started || o.session == nil {
		o.mu.Unlock()
		return nil, ErrNoSession
	}
	o.started = false
	o.mu.Unlock()

	_ = o.StopListening()
	if o.screen != nil {
		_ = o.screen.Stop()
	}
	o.player.Stop()
	_ = o.transport.Disconnect()
	o.unsubscribe()

	o.mu.Lock()
	o.closeOpenTurnLocked(TurnMetadata{})
	sess := o.session
	o.session = nil
	o.aiSpeaking = false
	o.mu.Unlock()

	sess.EndTime = time.Now()
	sess.Duration = sess.EndTime.Sub(sess.StartTime)
	sess.Analytics = computeAnalytics(sess.Turns, sess.EndTime, sess.Analytics)
	return sess, nil
}

// ── Accessors ──────────────────────────────────────────────────────────────────

// IsConnected reports whether the transport handshake has completed.
func (o *Orchestrator) IsConnected() bool { return o.transport.IsConnected() }

// IsListening reports whether mic chunks are being forwarded.
func (o *Orchestrator) IsListening() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.listening
}

// IsAISpeaking reports whether synthesized audio is playing or scheduled.
func (o *Orchestrator) IsAISpeaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aiSpeaking
}

// IsScreenRecording reports whether screen capture is active.
func (o *Orchestrator) IsScreenRecording() bool {
	return o.screen != nil && o.screen.IsActive()
}

// Context returns the current interview context.
func (o *Orchestrator) Context() InterviewContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ictx
}

// SessionID returns the active session's identifier, or the empty string
// when no session is running.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.SessionID
}

// ── Transport event handlers ───────────────────────────────────────────────────

func (o *Orchestrator) handleAudio(chunk []byte) {
	// Audio arriving mid-finish means the model corrected itself; the
	// pending finish is void.
	o.player.ResetFinishing()
	o.player.StreamAudio(chunk)

	o.mu.Lock()
	startedSpeaking := !o.aiSpeaking
	o.aiSpeaking = true
	o.mu.Unlock()

	if startedSpeaking {
		o.speakStartT.Publish(struct{}{})
	}
	o.audioReceivedT.Publish(chunk)
}

func (o *Orchestrator) handleTurnComplete() {
	o.mu.Lock()
	o.closeOpenTurnLocked(TurnMetadata{TurnComplete: true})
	o.mu.Unlock()

	o.turnCompleteT.Publish(struct{}{})

	// AI speaking stays true until the already-buffered audio has fully
	// played out; the drain callback, not this event, flips it false.
	o.player.FinishPlayback(func() {
		o.mu.Lock()
		wasSpeaking := o.aiSpeaking
		o.aiSpeaking = false
		o.mu.Unlock()
		if wasSpeaking {
			o.speakStopT.Publish(struct{}{})
		}
	})
}

func (o *Orchestrator) handleInterrupted() {
	// Barge-in: the model declared the utterance void, so playback is cut
	// abruptly rather than drained.
	o.player.Stop()

	o.mu.Lock()
	o.closeOpenTurnLocked(TurnMetadata{Interrupted: true})
	wasSpeaking := o.aiSpeaking
	o.aiSpeaking = false
	o.mu.Unlock()

	if wasSpeaking {
		o.speakStopT.Publish(struct{}{})
	}
	o.interruptedT.Publish(struct{}{})
}

func (o *Orchestrator) handleTranscript(tr live.Transcript) {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return
	}
	if o.open.open && o.open.turn.Role == tr.Role {
		appendFragment(&o.open.turn.Content.Transcript, tr.Text)
	} else {
		o.closeOpenTurnLocked(TurnMetadata{})
		o.openTurnLocked(tr.Role, tr.Timestamp)
		o.open.turn.Content.Transcript = tr.Text
	}
	o.mu.Unlock()

	if tr.Role == live.RoleUser {
		o.userTranscriptT.Publish(tr)
	} else {
		o.aiTranscriptT.Publish(tr)
	}
}

func (o *Orchestrator) handleText(text string) {
	o.mu.Lock()
	if o.session != nil {
		if o.open.open && o.open.turn.Role == live.RoleAssistant {
			appendFragment(&o.open.turn.Content.Text, text)
		} else {
			o.closeOpenTurnLocked(TurnMetadata{})
			o.openTurnLocked(live.RoleAssistant, time.Now())
			o.open.turn.Content.Text = text
		}
	}
	o.mu.Unlock()

	o.textReceivedT.Publish(text)
}

// ── Turn assembly ──────────────────────────────────────────────────────────────

// openTurnLocked starts a new turn and bumps the incremental counters.
// Must be called with o.mu held and no turn open.
func (o *Orchestrator) openTurnLocked(role live.Role, ts time.Time) {
	o.open = turnState{
		open: true,
		turn: ConversationTurn{
			ID:        uuid.NewString(),
			Timestamp: ts,
			Role:      role,
		},
	}
	o.session.Analytics.TotalTurns++
	switch role {
	case live.RoleUser:
		o.session.Analytics.UserTurns++
	case live.RoleAssistant:
		o.session.Analytics.AssistantTurns++
	}
}

// closeOpenTurnLocked finalizes the open turn, if any, and appends it to the
// session. Must be called with o.mu held.
func (o *Orchestrator) closeOpenTurnLocked(meta TurnMetadata) {
	if !o.open.open || o.session == nil {
		o.open = turnState{}
		return
	}
	turn := o.open.turn
	turn.Metadata = meta
	o.session.Turns = append(o.session.Turns, turn)
	o.open = turnState{}
}

func appendFragment(dst *string, text string) {
	if *dst == "" {
		*dst = text
		return
	}
	*dst += " " + text
}
