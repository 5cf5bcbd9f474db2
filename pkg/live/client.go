// Package live implements the duplex transport to the conversational model.
//
// It maintains a bidirectional WebSocket connection speaking the
// BidiGenerateContent protocol: one setup frame at connect time, then
// base64-encoded PCM chunks outbound and synthesized audio, transcript
// fragments, and turn signals inbound. Inbound frames are demultiplexed
// onto typed event topics so downstream consumers never touch the wire
// format.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vantagehq/viva/pkg/audio"
	"github.com/vantagehq/viva/pkg/events"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ErrNotConnected is returned by send operations while no session is open.
var ErrNotConnected = errors.New("live: not connected")

// State is the connection state of a [Client].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role identifies the speaker a transcript fragment belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is one incremental speech-to-text fragment.
type Transcript struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// SessionConfig describes the session requested in the setup frame.
type SessionConfig struct {
	// SystemInstruction steers the model for the whole session.
	SystemInstruction string
	// Voice selects a prebuilt voice; empty means the model default.
	Voice string
	// ResponseModalities defaults to audio-only when empty.
	ResponseModalities []string
	// TranscribeInput requests incremental transcription of user speech.
	TranscribeInput bool
	// TranscribeOutput requests transcription of the model's own speech.
	TranscribeOutput bool
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model requested in the setup frame.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithLogger sets the logger used for dropped-frame and keepalive noise.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithKeepaliveInterval overrides the WebSocket ping cadence.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *Client) { c.keepalive = d }
}

// connectAttempt lets concurrent Connect calls share one in-flight dial
// instead of opening a second channel.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client is the realtime transport. It moves through Disconnected →
// Connecting → Connected; Connected is only entered once the remote side has
// acknowledged the setup frame. All methods are safe for concurrent use.
type Client struct {
	apiKey    string
	model     string
	baseURL   string
	log       *slog.Logger
	keepalive time.Duration

	connected    *events.Topic[struct{}]
	disconnected *events.Topic[error]
	audio        *events.Topic[[]byte]
	text         *events.Topic[string]
	transcript   *events.Topic[Transcript]
	turnComplete *events.Topic[struct{}]
	interrupted  *events.Topic[struct{}]
	errs         *events.Topic[error]

	mu      sync.Mutex
	state   State
	attempt *connectAttempt
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a transport client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		log:       slog.Default(),
		keepalive: keepaliveInterval,

		connected:    events.NewTopic[struct{}]("live.connected"),
		disconnected: events.NewTopic[error]("live.disconnected"),
		audio:        events.NewTopic[[]byte]("live.audio"),
		text:         events.NewTopic[string]("live.text"),
		transcript:   events.NewTopic[Transcript]("live.transcript"),
		turnComplete: events.NewTopic[struct{}]("live.turn-complete"),
		interrupted:  events.NewTopic[struct{}]("live.interrupted"),
		errs:         events.NewTopic[error]("live.error"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Event subscriptions ────────────────────────────────────────────────────────

// OnConnected registers fn to run after each setup acknowledgement.
// The returned func cancels the subscription.
func (c *Client) OnConnected(fn func()) (cancel func()) {
	return c.connected.Subscribe(func(struct{}) { fn() })
}

// OnDisconnected registers fn to run when the session closes. The error is
// nil for a local Disconnect and non-nil when the connection dropped.
func (c *Client) OnDisconnected(fn func(error)) (cancel func()) {
	return c.disconnected.Subscribe(fn)
}

// OnAudio registers fn for decoded synthesized audio chunks (PCM16 mono at
// [audio.PlaybackRate]).
func (c *Client) OnAudio(fn func([]byte)) (cancel func()) {
	return c.audio.Subscribe(fn)
}

// OnText registers fn for non-audio text fragments of the model's turn.
func (c *Client) OnText(fn func(string)) (cancel func()) {
	return c.text.Subscribe(fn)
}

// OnTranscript registers fn for incremental transcript fragments of either
// speaker.
func (c *Client) OnTranscript(fn func(Transcript)) (cancel func()) {
	return c.transcript.Subscribe(fn)
}

// OnTurnComplete registers fn for the signal that the model finished its
// logical turn. Buffered playback should be drained, not discarded.
func (c *Client) OnTurnComplete(fn func()) (cancel func()) {
	return c.turnComplete.Subscribe(func(struct{}) { fn() })
}

// OnInterrupted registers fn for the signal that the user talked over the
// model. Buffered playback must be discarded, not drained.
func (c *Client) OnInterrupted(fn func()) (cancel func()) {
	return c.interrupted.Subscribe(func(struct{}) { fn() })
}

// OnError registers fn for server-reported errors and connection failures.
func (c *Client) OnError(fn func(error)) (cancel func()) {
	return c.errs.Subscribe(fn)
}

// ── Connection lifecycle ───────────────────────────────────────────────────────

// Connect opens the duplex channel, sends the setup frame, and waits for the
// remote acknowledgement. It is a no-op when already connected, and a
// concurrent Connect while another is in flight waits for that attempt's
// outcome instead of opening a second channel.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.attempt = attempt
	c.state = StateConnecting
	c.mu.Unlock()

	pending, err := c.establish(ctx, cfg)

	c.mu.Lock()
	if err != nil {
		c.state = StateDisconnected
	} else {
		c.state = StateConnected
	}
	c.attempt = nil
	attempt.err = err
	conn, connCtx, done := c.conn, c.ctx, c.done
	c.mu.Unlock()
	close(attempt.done)

	if err != nil {
		return err
	}

	// Connected fires before any frame that raced ahead of the setup ack
	// is delivered, and before the receive loop can dispatch anything.
	c.connected.Publish(struct{}{})
	for i := range pending {
		c.dispatch(&pending[i])
	}
	go c.receiveLoop(conn, connCtx)
	go c.keepaliveLoop(conn, connCtx, done)
	return nil
}

// establish dials, sends setup, and reads until the acknowledgement arrives.
// Frames received before the ack are returned for later dispatch.
func (c *Client) establish(ctx context.Context, cfg SessionConfig) ([]serverMessage, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	if err := writeFrame(ctx, conn, c.setupMessage(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("live: setup: %w", err)
	}

	var pending []serverMessage
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "setup not acknowledged")
			return nil, fmt.Errorf("live: awaiting setup ack: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("dropping malformed frame during setup", "error", err)
			continue
		}
		if msg.SetupComplete != nil {
			break
		}
		pending = append(pending, msg)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.ctx = sessCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	return pending, nil
}

func (c *Client) setupMessage(cfg SessionConfig) setupMessage {
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"audio"}
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", c.model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.TranscribeInput {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.TranscribeOutput {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// Disconnect closes the channel immediately without waiting for in-flight
// sends. Idempotent.
func (c *Client) Disconnect() error {
	if c.shutdown() {
		c.disconnected.Publish(nil)
	}
	return nil
}

// shutdown tears down the current connection. It reports whether this call
// performed the teardown, so exactly one caller emits the follow-up events.
func (c *Client) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	c.state = StateDisconnected
	c.cancel()
	close(c.done)
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return true
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the setup handshake has completed.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// ── Outbound operations ────────────────────────────────────────────────────────

// SendAudio wraps a raw PCM16 chunk (mono, [audio.CaptureRate]) in the
// realtime-input envelope and sends it.
func (c *Client) SendAudio(chunk []byte) error {
	return c.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: audio.MimeType(audio.CaptureRate),
				Data:     base64.StdEncoding.EncodeToString(chunk),
			}},
		},
	})
}

// SendImage sends a still image (screen capture) in the realtime-input
// envelope.
func (c *Client) SendImage(mimeType string, data []byte) error {
	return c.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(data),
			}},
		},
	})
}

// SendText sends a user text message. endOfTurn marks the turn boundary,
// prompting the model to respond.
func (c *Client) SendText(text string, endOfTurn bool) error {
	return c.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []part{{Text: text}},
			}},
			TurnComplete: endOfTurn,
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message on the
// current connection.
func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn, ctx := c.conn, c.ctx
	c.mu.Unlock()
	return writeFrame(ctx, conn, v)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Inbound handling ───────────────────────────────────────────────────────────

// receiveLoop reads frames until the connection closes. Malformed frames are
// logged and dropped; one bad frame must not kill a live conversation.
func (c *Client) receiveLoop(conn *websocket.Conn, ctx context.Context) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // local disconnect, already handled
			}
			if c.shutdown() {
				c.errs.Publish(fmt.Errorf("live: connection lost: %w", err))
				c.disconnected.Publish(err)
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *serverMessage) {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		c.errs.Publish(fmt.Errorf("live: server: %s", text))
	}
	if msg.ServerContent != nil {
		c.dispatchContent(msg.ServerContent)
	}
}

func (c *Client) dispatchContent(sc *serverContent) {
	// Interruption first so consumers discard stale playback before any
	// other signal from the same frame lands.
	if sc.Interrupted {
		c.interrupted.Publish(struct{}{})
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.transcript.Publish(Transcript{
			Role:      RoleUser,
			Text:      sc.InputTranscription.Text,
			Timestamp: time.Now(),
		})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.transcript.Publish(Transcript{
			Role:      RoleAssistant,
			Text:      sc.OutputTranscription.Text,
			Timestamp: time.Now(),
		})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				decoded, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(decoded) == 0 {
					c.log.Debug("dropping undecodable audio part", "error", err)
					continue
				}
				c.audio.Publish(decoded)
			}
			if p.Text != "" {
				c.text.Publish(p.Text)
			}
		}
	}

	// Turn boundary last so all audio from this frame is already queued.
	if sc.TurnComplete {
		c.turnComplete.Publish(struct{}{})
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (c *Client) keepaliveLoop(conn *websocket.Conn, ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}
