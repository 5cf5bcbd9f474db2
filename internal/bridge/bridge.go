// Package bridge connects the web client to the interview engine over a
// single duplex websocket. The client sends Opus microphone packets as
// binary frames and JSON control messages as text frames; the engine sends
// PCM16 speech back as binary frames and JSON acknowledgements as text.
// Outbound speech is 24 kHz by default; a client that cannot play that asks
// for another rate in the start message and frames are resampled on the way
// out.
//
// The Bridge doubles as the device layer: it implements the microphone
// source, the playback output, and the screen frame source that
// [app.Devices] needs, so main can hand one Bridge to the whole stack.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vantagehq/viva/internal/app"
	"github.com/vantagehq/viva/pkg/audio"
	"github.com/vantagehq/viva/pkg/capture"
	"github.com/vantagehq/viva/pkg/playback"
)

const (
	// micBuffer bounds the Opus packet queue between the websocket reader
	// and the capture engine. Overflow drops the oldest-first packet,
	// matching microphone semantics: stale audio is worse than a gap.
	micBuffer = 64

	defaultWriteTimeout = 3 * time.Second
)

// errNoFrame signals that the client has enabled sharing but no frame has
// arrived yet. The screen engine skips the tick and retries.
var errNoFrame = errors.New("bridge: no screen frame yet")

// Bridge owns the client websocket and adapts it to the engine's device
// interfaces. Only one client may be connected at a time.
type Bridge struct {
	log          *slog.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	manager *app.SessionManager
	conn    *websocket.Conn
	micCh   chan []byte

	// frame is the latest client screen still; revoked marks sharing as
	// externally ended until the client sends a new frame.
	frame   image.Image
	revoked bool

	// outRate is the playback rate negotiated in the start message. Zero
	// means the scheduler's native rate, no resampling.
	outRate int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithWriteTimeout bounds each outbound websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// New creates a Bridge. Attach must be called before serving clients.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach binds the session manager the bridge drives. Split from New
// because the manager is built from the bridge's own devices.
func (b *Bridge) Attach(m *app.SessionManager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manager = m
}

// Devices returns the device layer backed by this bridge.
func (b *Bridge) Devices() app.Devices {
	return app.Devices{
		MicSource:    &micSource{b: b},
		AudioOutput:  playback.NewSinkOutput(playback.SystemClock{}, b.sendAudio),
		ScreenSource: &screenSource{b: b},
	}
}

// ServeHTTP upgrades the request to a websocket and serves the client until
// it disconnects. A second concurrent client is refused.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host client, no fixed origin
	})
	if err != nil {
		b.log.Warn("websocket accept failed", "err", err)
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "another client is connected")
		return
	}
	b.conn = conn
	b.mu.Unlock()

	b.log.Info("client connected", "remote", r.RemoteAddr)
	b.readLoop(r.Context(), conn)
	b.detach(conn)
}

// readLoop pumps client frames until the connection dies.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			b.deliverPacket(data)
		case websocket.MessageText:
			b.handleControl(ctx, data)
		}
	}
}

// detach clears the client connection and stops any session it left running.
func (b *Bridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.revoked = true
	b.frame = nil
	manager := b.manager
	b.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
	b.log.Info("client disconnected")

	if manager == nil {
		return
	}
	if _, active := manager.Active(); active {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := manager.Stop(ctx); err != nil {
			b.log.Warn("failed to stop orphaned session", "err", err)
		}
	}
}

// deliverPacket hands one Opus packet to the capture engine, dropping the
// oldest queued packet on overflow.
func (b *Bridge) deliverPacket(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.micCh == nil {
		return
	}
	pkt := append([]byte(nil), data...)
	select {
	case b.micCh <- pkt:
	default:
		select {
		case <-b.micCh:
		default:
		}
		select {
		case b.micCh <- pkt:
		default:
		}
	}
}

// sendAudio delivers one PCM16 frame to the client, resampled to the
// negotiated rate. Frames are dropped when no client is connected; speech
// has no value after its deadline.
func (b *Bridge) sendAudio(pcm []byte) {
	b.mu.Lock()
	conn := b.conn
	rate := b.outRate
	b.mu.Unlock()
	if conn == nil {
		return
	}
	if rate == 0 {
		rate = audio.PlaybackRate
	}
	pcm = audio.ResampleMono16(pcm, audio.PlaybackRate, rate)
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		b.log.Debug("dropped outbound audio frame",
			"duration", audio.BytesDuration(pcm, rate), "err", err)
	}
}

// send writes one JSON control message to the client.
func (b *Bridge) send(msg serverMessage) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("failed to encode control message", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		b.log.Debug("dropped control message", "type", msg.Type, "err", err)
	}
}

func (b *Bridge) sendError(format string, args ...any) {
	b.send(serverMessage{Type: "error", Message: fmt.Sprintf(format, args...)})
}

// handleControl dispatches one client control message.
func (b *Bridge) handleControl(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Debug("dropping malformed control message", "err", err)
		return
	}

	b.mu.Lock()
	manager := b.manager
	b.mu.Unlock()
	if manager == nil {
		b.sendError("engine not ready")
		return
	}

	switch msg.Type {
	case "start":
		if msg.Interview == nil {
			b.sendError("start requires an interview payload")
			return
		}
		rate := msg.OutputSampleRate
		if rate == 0 {
			rate = audio.PlaybackRate
		}
		if rate < 8000 || rate > 48000 {
			b.sendError("unsupported outputSampleRate %d", rate)
			return
		}
		b.mu.Lock()
		b.outRate = rate
		b.mu.Unlock()
		info, err := manager.Start(ctx, msg.Interview.toContext())
		if err != nil {
			b.sendError("start: %v", err)
			return
		}
		b.send(serverMessage{Type: "started", SessionID: info.SessionID, SampleRate: rate})

	case "stop":
		sess, err := manager.Stop(ctx)
		if err != nil {
			b.sendError("stop: %v", err)
			return
		}
		b.send(serverMessage{
			Type:      "stopped",
			SessionID: sess.SessionID,
			Analytics: analyticsPayload(sess.Analytics),
		})

	case "context":
		if msg.Update == nil {
			b.sendError("context requires an update payload")
			return
		}
		merged, err := manager.UpdateContext(msg.Update.toUpdate())
		if err != nil {
			b.sendError("context: %v", err)
			return
		}
		b.send(serverMessage{Type: "context", Interview: fromContext(merged)})

	case "screen":
		b.storeFrame(msg.JPEG)

	case "screenOff":
		b.mu.Lock()
		b.revoked = true
		b.frame = nil
		b.mu.Unlock()

	default:
		b.log.Debug("dropping unknown control message", "type", msg.Type)
	}
}

// storeFrame decodes one client screen frame and keeps it as the latest.
func (b *Bridge) storeFrame(data []byte) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		b.log.Debug("dropping undecodable screen frame", "err", err)
		return
	}
	b.mu.Lock()
	b.frame = img
	b.revoked = false
	b.mu.Unlock()
}

// ── Device adapters ───────────────────────────────────────────────────────────

// micSource adapts the bridge's Opus packet feed to [capture.Source].
type micSource struct {
	b *Bridge
}

func (s *micSource) Open() (<-chan []byte, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.micCh != nil {
		return nil, fmt.Errorf("bridge: microphone stream already open")
	}
	s.b.micCh = make(chan []byte, micBuffer)
	return s.b.micCh, nil
}

func (s *micSource) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.micCh != nil {
		close(s.b.micCh)
		s.b.micCh = nil
	}
	return nil
}

// screenSource adapts the bridge's latest client frame to [capture.FrameSource].
type screenSource struct {
	b *Bridge
}

func (s *screenSource) Frame() (image.Image, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.revoked {
		return nil, capture.ErrSourceClosed
	}
	if s.b.frame == nil {
		return nil, errNoFrame
	}
	return s.b.frame, nil
}

func (s *screenSource) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.frame = nil
	return nil
}

var (
	_ capture.Source      = (*micSource)(nil)
	_ capture.FrameSource = (*screenSource)(nil)
	_ http.Handler        = (*Bridge)(nil)
)
