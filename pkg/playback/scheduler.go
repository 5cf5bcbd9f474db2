// Package playback schedules a stream of small, irregularly sized and
// irregularly timed PCM chunks for gapless presentation against an audio
// clock.
//
// The [Scheduler] accumulates incoming chunks, slices them into fixed-size
// frames, and schedules each frame at a monotonic cursor so consecutive
// frames abut exactly. It supports two cancellation modes: a graceful finish
// that drains everything already buffered (used on turn completion, so the
// assistant is never clipped mid-word) and a hard stop that silences
// everything immediately (used on barge-in, where an abrupt cut is correct).
package playback

import (
	"sync"
	"time"

	"github.com/vantagehq/viva/pkg/audio"
)

const (
	// DefaultFrameDuration is how much audio each scheduled frame carries.
	// Chosen empirically: long enough to keep scheduling overhead low, short
	// enough that a graceful finish stays responsive.
	DefaultFrameDuration = 320 * time.Millisecond

	// DefaultLookAhead is the horizon within which frames are committed to
	// the output ahead of the audio clock.
	DefaultLookAhead = 200 * time.Millisecond

	// DefaultStartLatency is the fixed delay between the first chunk of a
	// burst arriving and its playback starting, absorbing network jitter.
	DefaultStartLatency = 50 * time.Millisecond
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock replaces the audio clock. Tests use a manual clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSampleRate sets the PCM sample rate of the inbound stream.
// The default is [audio.PlaybackRate].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) { s.rate = rate }
}

// WithFrameDuration overrides the fixed frame size.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Scheduler) { s.frameDuration = d }
}

// WithLookAhead overrides the scheduling horizon.
func WithLookAhead(d time.Duration) Option {
	return func(s *Scheduler) { s.lookAhead = d }
}

// WithStartLatency overrides the fixed startup latency.
func WithStartLatency(d time.Duration) Option {
	return func(s *Scheduler) { s.startLatency = d }
}

// scheduledUnit pairs an output handle with the time its audio ends, so a
// hard stop can cancel in-flight units and the tick loop can prune done ones.
type scheduledUnit struct {
	handle Handle
	end    time.Time
}

// Scheduler buffers and schedules decoded audio chunks for gapless playback.
//
// State machine: Idle → Playing on the first buffered frame; Playing →
// Finishing via [Scheduler.FinishPlayback]; any state → Idle via
// [Scheduler.Stop] or by draining. While Finishing, new audio is dropped so
// a stream that is intentionally winding down cannot be revived.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	output Output
	clock  Clock

	rate          int
	frameDuration time.Duration
	frameSamples  int
	lookAhead     time.Duration
	startLatency  time.Duration

	mu        sync.Mutex
	acc       []float32   // partial-frame accumulation buffer
	queue     [][]float32 // full frames awaiting scheduling, FIFO
	active    []scheduledUnit
	playing   bool
	finishing bool
	onFinish  func()
	nextAt    time.Time // monotonic cursor: when the next frame starts
	timer     Timer

	scheduledSamples int64 // lifetime total, for accounting
}

// New creates a Scheduler delivering frames to output.
//
// output's Schedule method is invoked with internal scheduler state held and
// must not call back into the Scheduler synchronously.
func New(output Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		output:        output,
		clock:         SystemClock{},
		rate:          audio.PlaybackRate,
		frameDuration: DefaultFrameDuration,
		lookAhead:     DefaultLookAhead,
		startLatency:  DefaultStartLatency,
	}
	for _, o := range opts {
		o(s)
	}
	s.frameSamples = int(time.Duration(s.rate) * s.frameDuration / time.Second)
	s.nextAt = s.clock.Now()
	return s
}

// StreamAudio appends a chunk of little-endian PCM16 mono audio to the
// stream. Full frames are queued for scheduling; a partial remainder is held
// back until more audio arrives (or [Scheduler.FinishPlayback] flushes it).
// If playback is idle it starts. Chunks arriving while Finishing are dropped.
func (s *Scheduler) StreamAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishing {
		return
	}

	s.acc = append(s.acc, audio.BytesToFloat32(pcm)...)
	for len(s.acc) >= s.frameSamples {
		frame := make([]float32, s.frameSamples)
		copy(frame, s.acc[:s.frameSamples])
		s.acc = s.acc[s.frameSamples:]
		s.queue = append(s.queue, frame)
	}
	// Re-home the remainder so consumed prefixes don't pin memory.
	if len(s.acc) > 0 && len(s.queue) > 0 {
		s.acc = append(make([]float32, 0, s.frameSamples), s.acc...)
	}

	s.startLocked()
}

// FinishPlayback transitions to Finishing: no new audio is accepted, but
// everything already buffered (including the partial accumulation remainder,
// flushed as a final short frame) plays to completion. onFinish is invoked
// exactly once — synchronously if nothing is buffered or pending, otherwise
// when the last scheduled frame has played out. Calling FinishPlayback while
// already Finishing is a no-op.
func (s *Scheduler) FinishPlayback(onFinish func()) {
	s.mu.Lock()

	if s.finishing {
		s.mu.Unlock()
		return
	}

	if len(s.acc) > 0 {
		frame := make([]float32, len(s.acc))
		copy(frame, s.acc)
		s.acc = nil
		s.queue = append(s.queue, frame)
	}

	if len(s.queue) == 0 && !s.playing {
		s.mu.Unlock()
		if onFinish != nil {
			onFinish()
		}
		return
	}

	s.finishing = true
	s.onFinish = onFinish
	s.startLocked()
	s.mu.Unlock()
}

// ResetFinishing cancels a pending Finishing transition without touching
// already-scheduled playback. Called when new audio arrives mid-finish
// because the model corrected itself; the pending finish callback is
// discarded, never invoked.
func (s *Scheduler) ResetFinishing() {
	s.mu.Lock()
	s.finishing = false
	s.onFinish = nil
	s.mu.Unlock()
}

// Stop hard-stops playback: every scheduled unit is cancelled, all buffers
// are cleared, and the cursor resets to now. Used for barge-in, where the
// abrupt cut is the correct behaviour. A pending finish callback is dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.active {
		u.handle.Cancel()
	}
	s.active = nil
	s.queue = nil
	s.acc = nil
	s.playing = false
	s.finishing = false
	s.onFinish = nil
	s.nextAt = s.clock.Now()
	if s.timer != nil {
		s.timer.Stop()
	}
}

// IsPlaying reports whether any audio is queued, scheduled, or playing.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// IsFinishing reports whether a graceful finish is pending.
func (s *Scheduler) IsFinishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishing
}

// QueueLen returns the number of full frames awaiting scheduling.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// BufferedDuration returns the duration of audio accepted but not yet
// handed to the output (queued frames plus the accumulation remainder).
func (s *Scheduler) BufferedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := len(s.acc)
	for _, f := range s.queue {
		samples += len(f)
	}
	return audio.Duration(samples, s.rate)
}

// ScheduledDuration returns the lifetime total duration of audio handed to
// the output. Audio discarded by [Scheduler.Stop] before being scheduled is
// not counted.
func (s *Scheduler) ScheduledDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Duration(int(s.scheduledSamples), s.rate)
}

// startLocked begins (or keeps alive) the scheduling loop.
// Must be called with s.mu held.
func (s *Scheduler) startLocked() {
	if len(s.queue) == 0 && !s.playing {
		return
	}
	if !s.playing {
		s.playing = true
		seed := s.clock.Now().Add(s.startLatency)
		if seed.After(s.nextAt) {
			s.nextAt = seed
		}
	}
	s.armLocked(time.Millisecond)
}

// armLocked (re-)arms the tick timer to fire after d.
// Must be called with s.mu held.
func (s *Scheduler) armLocked(d time.Duration) {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(d, s.tick)
		return
	}
	s.timer.Reset(d)
}

// tick runs one pass of the scheduling loop: commit every frame that falls
// inside the look-ahead window, then either re-arm the timer for the next
// wake-up or, once the queue is drained and the tail has played out, go idle
// (firing the finish callback if a graceful finish was pending).
func (s *Scheduler) tick() {
	s.mu.Lock()

	if !s.playing {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	s.pruneLocked(now)

	for len(s.queue) > 0 && !s.nextAt.After(now.Add(s.lookAhead)) {
		frame := s.queue[0]
		s.queue = s.queue[1:]

		start := s.nextAt
		if start.Before(now) {
			// Fell behind (stall): never schedule in the past.
			start = now
		}
		end := start.Add(audio.Duration(len(frame), s.rate))
		s.active = append(s.active, scheduledUnit{
			handle: s.output.Schedule(frame, start),
			end:    end,
		})
		s.scheduledSamples += int64(len(frame))
		s.nextAt = end
	}

	var fire func()
	switch {
	case len(s.queue) > 0:
		// Wake shortly before the next frame enters the look-ahead window.
		s.armLocked(s.nextAt.Add(-s.lookAhead).Sub(now))
	case now.Before(s.nextAt):
		// Queue drained but the tail is still playing out.
		s.armLocked(s.nextAt.Sub(now))
	default:
		s.playing = false
		if s.finishing {
			s.finishing = false
			fire = s.onFinish
			s.onFinish = nil
		}
	}
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// pruneLocked drops active units whose audio has finished playing.
// Must be called with s.mu held.
func (s *Scheduler) pruneLocked(now time.Time) {
	kept := s.active[:0]
	for _, u := range s.active {
		if u.end.After(now) {
			kept = append(kept, u)
		}
	}
	s.active = kept
}
