// Package capture owns the input side of an interview: the exclusive
// microphone stream and the optional screen-share stream.
//
// The microphone arrives as Opus packets from the client; [MicEngine]
// decodes them to PCM16 and emits fixed-size blocks ready for the realtime
// transport. [ScreenEngine] periodically rasterizes the shared screen into
// still JPEG images.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"layeh.com/gopus"

	"github.com/vantagehq/viva/pkg/audio"
)

var (
	// ErrAlreadyRunning is returned by Start while the engine is running.
	ErrAlreadyRunning = errors.New("capture: already running")

	// ErrPermissionDenied is returned by sources when the user denied
	// access to the device. Not retried; the caller must re-invoke Start.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrSourceClosed is returned by sources after the stream ended,
	// typically because the user revoked access externally.
	ErrSourceClosed = errors.New("capture: source closed")
)

const (
	// DefaultBlockSamples is the number of PCM samples per emitted chunk.
	// Fixed by the engine, not caller-controlled.
	DefaultBlockSamples = 1024

	// maxOpusFrameSamples bounds a single decoded Opus frame (60 ms at the
	// capture rate), the largest frame duration the codec produces.
	maxOpusFrameSamples = audio.CaptureRate * 60 / 1000
)

// Source provides an exclusive stream of Opus packets from the microphone.
// Open acquires the device and returns the packet channel; the channel is
// closed when the stream ends, whether by Close or by external revocation.
type Source interface {
	Open() (<-chan []byte, error)
	Close() error
}

// MicOption configures a MicEngine.
type MicOption func(*MicEngine)

// WithMicLogger sets the logger for dropped-packet noise.
func WithMicLogger(log *slog.Logger) MicOption {
	return func(e *MicEngine) { e.log = log }
}

// WithBlockSamples overrides the emitted block size.
func WithBlockSamples(n int) MicOption {
	return func(e *MicEngine) { e.blockSamples = n }
}

// MicEngine decodes the microphone's Opus packets to PCM16 mono at
// [audio.CaptureRate] and emits fixed-size blocks via the Start callback.
//
// Blocks still in flight when Stop is called are dropped by an internal
// recording guard rather than by tearing down the callback, avoiding a race
// with packets that arrive just after Stop.
type MicEngine struct {
	source       Source
	log          *slog.Logger
	blockSamples int

	mu        sync.Mutex
	recording bool
	dec       *gopus.Decoder
	acc       []int16
}

// NewMicEngine creates a microphone engine reading from source.
func NewMicEngine(source Source, opts ...MicOption) *MicEngine {
	e := &MicEngine{
		source:       source,
		log:          slog.Default(),
		blockSamples: DefaultBlockSamples,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start acquires the microphone and begins emitting PCM16 blocks via
// onChunk. It fails without retrying when the source denies access or the
// decoder cannot be created; the caller decides whether to Start again.
func (e *MicEngine) Start(onChunk func(pcm []byte)) error {
	e.mu.Lock()
	if e.recording {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	packets, err := e.source.Open()
	if err != nil {
		return fmt.Errorf("capture: open microphone: %w", err)
	}

	dec, err := gopus.NewDecoder(audio.CaptureRate, 1)
	if err != nil {
		e.source.Close()
		return fmt.Errorf("capture: create opus decoder: %w", err)
	}

	e.mu.Lock()
	e.recording = true
	e.dec = dec
	e.acc = nil
	e.mu.Unlock()

	go e.run(packets, onChunk)
	return nil
}

// run decodes packets and emits full blocks until the stream ends.
func (e *MicEngine) run(packets <-chan []byte, onChunk func(pcm []byte)) {
	for packet := range packets {
		e.mu.Lock()
		if !e.recording {
			// Packet arrived after Stop: dropped, not an error.
			e.mu.Unlock()
			continue
		}
		pcm, err := e.dec.Decode(packet, maxOpusFrameSamples, false)
		if err != nil {
			e.mu.Unlock()
			e.log.Debug("dropping undecodable opus packet", "error", err)
			continue
		}
		e.acc = append(e.acc, pcm...)
		var blocks [][]int16
		for len(e.acc) >= e.blockSamples {
			block := make([]int16, e.blockSamples)
			copy(block, e.acc[:e.blockSamples])
			e.acc = e.acc[e.blockSamples:]
			blocks = append(blocks, block)
		}
		if len(blocks) > 0 && len(e.acc) > 0 {
			e.acc = append(make([]int16, 0, e.blockSamples), e.acc...)
		}
		e.mu.Unlock()

		for _, block := range blocks {
			onChunk(audio.Int16sToBytes(block))
		}
	}
}

// Stop releases the microphone and decoder. Idempotent.
func (e *MicEngine) Stop() error {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return nil
	}
	e.recording = false
	e.dec = nil
	e.acc = nil
	e.mu.Unlock()

	return e.source.Close()
}

// IsRecording reports whether the engine holds the microphone.
func (e *MicEngine) IsRecording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}
