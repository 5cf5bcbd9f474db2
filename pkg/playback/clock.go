package playback

import "time"

// Clock is the audio clock the [Scheduler] schedules against. Production
// code uses [SystemClock]; tests drive a manual implementation so the
// frame/look-ahead arithmetic can be asserted deterministically.
type Clock interface {
	// Now returns the current time on the audio clock.
	Now() time.Time

	// AfterFunc arranges for fn to run on its own goroutine after d has
	// elapsed and returns a Timer that can stop or re-arm the call.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the subset of [time.Timer] the scheduler needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// SystemClock is a [Clock] backed by the runtime's monotonic clock.
type SystemClock struct{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc implements [Clock].
func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
