package playback

import (
	"sync"
	"time"

	"github.com/vantagehq/viva/pkg/audio"
)

// Output is the playback destination the [Scheduler] feeds. Schedule must
// arrange for samples (normalized mono float32) to begin presentation at
// start, which is never in the past relative to the scheduler's clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	Schedule(samples []float32, start time.Time) Handle
}

// Handle refers to one scheduled playback unit so a hard stop can silence it
// before (or while) it plays. Cancel is idempotent.
type Handle interface {
	Cancel()
}

// SinkOutput is an [Output] that converts each scheduled unit back to PCM16
// bytes and delivers it to a sink callback at its deadline. It is the
// production destination: the sink is the downstream channel that carries
// synthesized speech to the client device.
type SinkOutput struct {
	clock Clock
	sink  func(pcm []byte)
}

// NewSinkOutput creates a SinkOutput delivering to sink on the given clock.
// sink is called on a timer goroutine and must not block for long.
func NewSinkOutput(clock Clock, sink func(pcm []byte)) *SinkOutput {
	return &SinkOutput{clock: clock, sink: sink}
}

// Schedule implements [Output].
func (o *SinkOutput) Schedule(samples []float32, start time.Time) Handle {
	h := &sinkHandle{}
	delay := start.Sub(o.clock.Now())
	if delay < 0 {
		delay = 0
	}
	h.timer = o.clock.AfterFunc(delay, func() {
		if h.cancelled() {
			return
		}
		o.sink(audio.Float32ToBytes(samples))
	})
	return h
}

type sinkHandle struct {
	mu     sync.Mutex
	timer  Timer
	cancel bool
}

func (h *sinkHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel {
		return
	}
	h.cancel = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *sinkHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel
}
