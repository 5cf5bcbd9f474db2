package live_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vantagehq/viva/pkg/live"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// writeRaw sends bytes verbatim as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// ackOnly is a server handler that consumes setup, acks, and idles.
func ackOnly(t *testing.T) func(conn *websocket.Conn, _ *http.Request) {
	return func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	}
}

func newClient(srv *httptest.Server, opts ...live.Option) *live.Client {
	opts = append([]live.Option{live.WithBaseURL(wsURL(srv))}, opts...)
	return live.NewClient("test-api-key", opts...)
}

func connect(t *testing.T, c *live.Client, cfg live.SessionConfig) {
	t.Helper()
	if err := c.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
}

// waitFor receives one value from ch or fails the test.
func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv, live.WithModel("custom-model"))
	connect(t, c, live.SessionConfig{
		SystemInstruction: "You are a technical interviewer.",
		Voice:             "Aoede",
		TranscribeInput:   true,
		TranscribeOutput:  true,
	})

	msg := waitFor(t, received, "setup message")
	if want := "models/custom-model"; msg.Setup.Model != want {
		t.Errorf("model = %q; want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
		t.Errorf("responseModalities = %v; want [audio]", got)
	}
	if msg.Setup.SystemInstruction == nil ||
		len(msg.Setup.SystemInstruction.Parts) == 0 ||
		msg.Setup.SystemInstruction.Parts[0].Text != "You are a technical interviewer." {
		t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.GenerationConfig.SpeechConfig == nil ||
		msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
		t.Errorf("unexpected speech config: %+v", msg.Setup.GenerationConfig.SpeechConfig)
	}
	if msg.Setup.InputAudioTranscription == nil {
		t.Error("inputAudioTranscription should be present")
	}
	if msg.Setup.OutputAudioTranscription == nil {
		t.Error("outputAudioTranscription should be present")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := live.NewClient("secret-key", live.WithBaseURL(wsURL(srv)))
	connect(t, c, live.SessionConfig{})

	if q := waitFor(t, query, "request query"); !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}
}

func TestConnect_ConnectedOnlyAfterAck(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), live.SessionConfig{}) }()

	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != live.StateConnecting {
		t.Errorf("State() = %v before ack; want connecting", got)
	}

	close(release)
	if err := waitFor(t, done, "Connect to return"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })

	if !c.IsConnected() {
		t.Error("IsConnected() = false after ack")
	}
}

func TestConnect_AlreadyConnectedIsNoop(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		dials.Add(1)
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	connect(t, c, live.SessionConfig{})
	connect(t, c, live.SessionConfig{})

	if got := dials.Load(); got != 1 {
		t.Errorf("server saw %d connections; want 1", got)
	}
}

func TestConnect_ConcurrentCallsShareAttempt(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	release := make(chan struct{})

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		dials.Add(1)
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)

	errs := make(chan error, 2)
	go func() { errs <- c.Connect(context.Background(), live.SessionConfig{}) }()
	time.Sleep(50 * time.Millisecond) // first attempt is in flight
	go func() { errs <- c.Connect(context.Background(), live.SessionConfig{}) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for range 2 {
		if err := waitFor(t, errs, "Connect to return"); err != nil {
			t.Errorf("Connect: %v", err)
		}
	}
	t.Cleanup(func() { _ = c.Disconnect() })

	if got := dials.Load(); got != 1 {
		t.Errorf("server saw %d connections; want 1 (shared attempt)", got)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	if err := c.Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
	if got := c.State(); got != live.StateDisconnected {
		t.Errorf("State() = %v after failed connect; want disconnected", got)
	}
}

func TestConnect_ConnectedFiresBeforeEarlyFrames(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Audio racing ahead of the ack must still be delivered after the
		// connected event.
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		})
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)

	var mu sync.Mutex
	var order []string
	audioSeen := make(chan []byte, 1)
	c.OnConnected(func() {
		mu.Lock()
		order = append(order, "connected")
		mu.Unlock()
	})
	c.OnAudio(func(chunk []byte) {
		mu.Lock()
		order = append(order, "audio")
		mu.Unlock()
		audioSeen <- chunk
	})

	connect(t, c, live.SessionConfig{})

	if got := waitFor(t, audioSeen, "audio chunk"); string(got) != string(pcm) {
		t.Errorf("audio chunk = %v; want %v", got, pcm)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "connected" || order[1] != "audio" {
		t.Errorf("event order = %v; want [connected audio]", order)
	}
}

// ── Outbound operations ───────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	connect(t, c, live.SessionConfig{})

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := c.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := waitFor(t, audioMsg, "audio message")
	chunks := msg.RealtimeInput.MediaChunks
	if len(chunks) == 0 {
		t.Fatal("no media chunks in realtimeInput")
	}
	if chunks[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
	}
	got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	if string(got) != string(wantPCM) {
		t.Errorf("decoded audio = %v; want %v", got, wantPCM)
	}
}

func TestSendText_SendsClientContent(t *testing.T) {
	t.Parallel()

	type clientContentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}

	textMsg := make(chan clientContentMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg clientContentMsg
		readJSON(t, conn, &msg)
		textMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	connect(t, c, live.SessionConfig{})

	if err := c.SendText("Let's move to the next question.", true); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msg := waitFor(t, textMsg, "clientContent message")
	turns := msg.ClientContent.Turns
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn; got %d", len(turns))
	}
	if turns[0].Role != "user" {
		t.Errorf("role = %q; want user", turns[0].Role)
	}
	if len(turns[0].Parts) == 0 || turns[0].Parts[0].Text != "Let's move to the next question." {
		t.Errorf("unexpected parts: %+v", turns[0].Parts)
	}
	if !msg.ClientContent.TurnComplete {
		t.Error("turnComplete should be true")
	}
}

func TestSendImage_SendsMediaChunk(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	imgMsg := make(chan realtimeInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		imgMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	connect(t, c, live.SessionConfig{})

	if err := c.SendImage("image/jpeg", []byte{0xFF, 0xD8, 0xFF}); err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	msg := waitFor(t, imgMsg, "image message")
	chunks := msg.RealtimeInput.MediaChunks
	if len(chunks) != 1 || chunks[0].MIMEType != "image/jpeg" {
		t.Errorf("unexpected media chunks: %+v", chunks)
	}
}

func TestSendAudio_WhileDisconnected_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, ackOnly(t))

	c := newClient(srv)
	if err := c.SendAudio([]byte{1}); !errors.Is(err, live.ErrNotConnected) {
		t.Errorf("SendAudio before connect = %v; want ErrNotConnected", err)
	}

	connect(t, c, live.SessionConfig{})
	_ = c.Disconnect()

	if err := c.SendAudio([]byte{1}); !errors.Is(err, live.ErrNotConnected) {
		t.Errorf("SendAudio after disconnect = %v; want ErrNotConnected", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		for {
			_, _, err := conn.Read(ctx)
			if err != nil {
				return
			}
		}
	})

	c := newClient(srv)
	connect(t, c, live.SessionConfig{})

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = c.SendAudio([]byte{0x01, 0x02, 0x03, 0x04})
			}
		})
	}
	wg.Wait()
}

// ── Inbound demultiplexing ────────────────────────────────────────────────────

func TestDispatch_Transcripts(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "Tell me about"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Happy to."},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	transcripts := make(chan live.Transcript, 2)
	c.OnTranscript(func(tr live.Transcript) { transcripts <- tr })
	connect(t, c, live.SessionConfig{TranscribeInput: true, TranscribeOutput: true})

	first := waitFor(t, transcripts, "user transcript")
	if first.Role != live.RoleUser || first.Text != "Tell me about" {
		t.Errorf("first transcript = %+v; want user fragment", first)
	}
	if first.Timestamp.IsZero() {
		t.Error("transcript timestamp should be set")
	}

	second := waitFor(t, transcripts, "assistant transcript")
	if second.Role != live.RoleAssistant || second.Text != "Happy to." {
		t.Errorf("second transcript = %+v; want assistant fragment", second)
	}
}

func TestDispatch_TurnSignalsAndText(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{{"text": "Here is a hint."}},
				},
				"turnComplete": true,
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	texts := make(chan string, 1)
	turnDone := make(chan struct{}, 1)
	interrupted := make(chan struct{}, 1)
	c.OnText(func(s string) { texts <- s })
	c.OnTurnComplete(func() { turnDone <- struct{}{} })
	c.OnInterrupted(func() { interrupted <- struct{}{} })
	connect(t, c, live.SessionConfig{})

	if got := waitFor(t, texts, "text fragment"); got != "Here is a hint." {
		t.Errorf("text = %q", got)
	}
	waitFor(t, turnDone, "turn-complete")
	waitFor(t, interrupted, "interrupted")
}

func TestDispatch_ServerError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 8, "message": "quota exceeded"},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	errCh := make(chan error, 1)
	c.OnError(func(err error) { errCh <- err })
	connect(t, c, live.SessionConfig{})

	err := waitFor(t, errCh, "error event")
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error = %v; want message mentioning quota", err)
	}
}

func TestDispatch_MalformedFrameIsDropped(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeRaw(t, conn, []byte("{not json"))
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "still alive"},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	c := newClient(srv)
	transcripts := make(chan live.Transcript, 1)
	c.OnTranscript(func(tr live.Transcript) { transcripts <- tr })
	connect(t, c, live.SessionConfig{})

	// The bad frame must not kill the stream; the next frame still arrives.
	if got := waitFor(t, transcripts, "transcript after bad frame"); got.Text != "still alive" {
		t.Errorf("transcript = %+v", got)
	}
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, ackOnly(t))

	c := newClient(srv)
	var disconnects atomic.Int32
	c.OnDisconnected(func(error) { disconnects.Add(1) })
	connect(t, c, live.SessionConfig{})

	if err := c.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	if got := disconnects.Load(); got != 1 {
		t.Errorf("disconnected fired %d times; want 1", got)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}

func TestConnectionLost_EmitsErrorAndDisconnected(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "server going away")
	})

	c := newClient(srv)
	errCh := make(chan error, 1)
	droppedCh := make(chan error, 1)
	c.OnError(func(err error) { errCh <- err })
	c.OnDisconnected(func(err error) { droppedCh <- err })
	connect(t, c, live.SessionConfig{})

	if err := waitFor(t, errCh, "error event"); err == nil {
		t.Error("error event carried nil error")
	}
	if err := waitFor(t, droppedCh, "disconnected event"); err == nil {
		t.Error("disconnected after connection loss should carry the cause")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after connection loss")
	}
}
