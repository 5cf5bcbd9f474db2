package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCaptureInterval is how often the shared screen is rasterized.
const DefaultCaptureInterval = 5 * time.Second

// FrameSource provides still frames of a shared screen. Frame returns
// [ErrSourceClosed] once the user revokes sharing externally; Close releases
// the stream.
type FrameSource interface {
	Frame() (image.Image, error)
	Close() error
}

// Capture is one rasterized still image of the shared screen.
type Capture struct {
	ID        string
	Timestamp time.Time
	Data      []byte
	MimeType  string
	Width     int
	Height    int
}

// ScreenOption configures a ScreenEngine.
type ScreenOption func(*ScreenEngine)

// WithScreenLogger sets the logger for frame-encoding noise.
func WithScreenLogger(log *slog.Logger) ScreenOption {
	return func(e *ScreenEngine) { e.log = log }
}

// WithCaptureInterval overrides the rasterization cadence.
func WithCaptureInterval(d time.Duration) ScreenOption {
	return func(e *ScreenEngine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithJPEGQuality overrides the JPEG encoder quality (1–100).
func WithJPEGQuality(q int) ScreenOption {
	return func(e *ScreenEngine) { e.quality = q }
}

// ScreenEngine periodically rasterizes the shared screen into JPEG stills.
//
// When the user revokes screen sharing externally the engine stops on its
// own, observable through [ScreenEngine.IsActive] flipping false without a
// Stop call.
type ScreenEngine struct {
	source   FrameSource
	log      *slog.Logger
	interval time.Duration
	quality  int

	mu     sync.Mutex
	active bool
	stop   chan struct{}
}

// NewScreenEngine creates a screen capture engine reading from source.
func NewScreenEngine(source FrameSource, opts ...ScreenOption) *ScreenEngine {
	e := &ScreenEngine{
		source:   source,
		log:      slog.Default(),
		interval: DefaultCaptureInterval,
		quality:  80,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start begins periodic capture, invoking onCapture with each still.
func (e *ScreenEngine) Start(onCapture func(Capture)) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.active = true
	e.stop = make(chan struct{})
	stop := e.stop
	e.mu.Unlock()

	go e.run(stop, onCapture)
	return nil
}

func (e *ScreenEngine) run(stop chan struct{}, onCapture func(Capture)) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, err := e.source.Frame()
			if err != nil {
				if errors.Is(err, ErrSourceClosed) {
					// Sharing revoked externally: capture ends by itself.
					e.deactivate(stop)
					return
				}
				e.log.Debug("skipping screen frame", "error", err)
				continue
			}

			capture, err := e.rasterize(frame)
			if err != nil {
				e.log.Debug("skipping unencodable screen frame", "error", err)
				continue
			}
			onCapture(capture)
		}
	}
}

// rasterize encodes a frame into a Capture value.
func (e *ScreenEngine) rasterize(frame image.Image) (Capture, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: e.quality}); err != nil {
		return Capture{}, fmt.Errorf("capture: encode frame: %w", err)
	}
	bounds := frame.Bounds()
	return Capture{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Data:      buf.Bytes(),
		MimeType:  "image/jpeg",
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	}, nil
}

// deactivate flips the engine inactive if stop still identifies the current
// run, so a racing Stop+Start cannot be undone by a stale loop.
func (e *ScreenEngine) deactivate(stop chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == stop && e.active {
		e.active = false
		e.source.Close()
	}
}

// Stop ends capture and releases the stream. Idempotent.
func (e *ScreenEngine) Stop() error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = false
	close(e.stop)
	e.mu.Unlock()

	return e.source.Close()
}

// IsActive reports whether capture is running. It flips false without a
// Stop call when sharing is revoked externally.
func (e *ScreenEngine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}
