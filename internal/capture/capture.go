// Package capture implements the time-paced screen grab stage: it drives a
// platform grab port (or a synthetic fallback) and enqueues RawFrames for
// the process stage.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/queue"
)

var log = logging.L("capture")

// ErrNoGrabber is returned by a Grabber that has no real platform backend
// wired, signaling the synthetic checkerboard fallback should be used
// instead. A nil Grabber falls back to the synthetic frames directly,
// without producing this error.
var ErrNoGrabber = errors.New("capture: no platform grabber available")

// Grabber is the platform screen-grab port. rect.Empty() means "whole
// screen". Implementations should return ErrNoGrabber rather than block or
// panic when no real backend is available in the current environment.
type Grabber interface {
	Grab(rect pipeline.Rect) (pipeline.PixelBuffer, error)
}

const (
	maxGrabTimeHistory = 100
	maxFrameTSHistory  = 60
	maxErrorCount      = 10
	defaultSyntheticW  = 640
	defaultSyntheticH  = 480
)

// Stats is the point-in-time capture performance snapshot.
type Stats struct {
	TotalFrames   uint64
	DroppedFrames uint64
	ErrorCount    uint64
	RecoveryMode  bool
	CurrentFPS    float64
	MinGrabTime   time.Duration
	AvgGrabTime   time.Duration
	MaxGrabTime   time.Duration
}

// Worker is the capture stage's Task, driven by worker.Worker.
type Worker struct {
	grabber   Grabber
	synthetic bool
	out       *queue.BoundedQueue[pipeline.RawFrame]

	configMu      sync.Mutex
	config        pipeline.CaptureConfig
	configChanged atomic.Bool

	capturing   atomic.Bool
	lastCapture time.Time

	frameIDCounter atomic.Uint64

	statsMu        sync.Mutex
	totalFrames    uint64
	droppedFrames  uint64
	grabTimes      []time.Duration
	frameTimes     []time.Time

	errorCount   atomic.Uint64
	recoveryMode atomic.Bool

	checkerTick uint64
}

// New constructs a capture Worker. grabber may be nil, in which case every
// grab falls back to the synthetic generator. forceSynthetic, when true,
// always uses the synthetic generator even if grabber is non-nil
// (Config.SyntheticCapture).
func New(grabber Grabber, forceSynthetic bool, out *queue.BoundedQueue[pipeline.RawFrame], cfg pipeline.CaptureConfig) *Worker {
	return &Worker{
		grabber:   grabber,
		synthetic: forceSynthetic,
		out:       out,
		config:    cfg.Normalized(),
	}
}

// SetConfig normalizes and stores cfg, marking config_changed for any
// consumer that wants to observe the transition.
func (w *Worker) SetConfig(cfg pipeline.CaptureConfig) {
	w.configMu.Lock()
	w.config = cfg.Normalized()
	w.configMu.Unlock()
	w.configChanged.Store(true)
}

// Config returns the current normalized configuration.
func (w *Worker) Config() pipeline.CaptureConfig {
	w.configMu.Lock()
	defer w.configMu.Unlock()
	return w.config
}

// ConfigChanged reports and clears the config_changed flag.
func (w *Worker) ConfigChanged() bool {
	return w.configChanged.Swap(false)
}

// StartCapturing / StopCapturing gate whether ProcessTask performs grabs.
// Idempotent; safe to call from any goroutine.
func (w *Worker) StartCapturing()   { w.capturing.Store(true) }
func (w *Worker) StopCapturing()    { w.capturing.Store(false) }
func (w *Worker) IsCapturing() bool { return w.capturing.Load() }

func (w *Worker) Initialize(ctx context.Context) error { return nil }
func (w *Worker) Cleanup()                             {}

// ProcessTask is invoked once per worker loop tick. It is a no-op unless
// capturing is enabled and the pacing interval has elapsed.
func (w *Worker) ProcessTask(ctx context.Context) error {
	if !w.capturing.Load() {
		return nil
	}

	cfg := w.Config()
	now := time.Now()
	if !w.lastCapture.IsZero() && now.Sub(w.lastCapture) < cfg.FrameDelay() {
		return nil
	}
	w.lastCapture = now

	w.performCapture(cfg, now)
	return nil
}

func (w *Worker) performCapture(cfg pipeline.CaptureConfig, now time.Time) {
	start := time.Now()
	buf, err := w.grab(cfg.CaptureRect)
	elapsed := time.Since(start)

	if err != nil {
		w.handleCaptureError(err)
		return
	}
	w.errorRecovered()

	frameID := w.frameIDCounter.Add(1)
	frame := pipeline.RawFrame{
		FrameID:      frameID,
		Image:        buf,
		CapturedAt:   start,
		OriginalSize: [2]uint32{uint32(buf.Width), uint32(buf.Height)},
	}

	if !w.out.TryEnqueue(frame) {
		w.statsMu.Lock()
		w.droppedFrames++
		w.statsMu.Unlock()
	}

	w.recordGrabTime(elapsed)
	w.recordFrameTimestamp(now)
}

func (w *Worker) grab(rect pipeline.Rect) (pipeline.PixelBuffer, error) {
	if w.grabber != nil && !w.synthetic {
		buf, err := w.grabber.Grab(rect)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, ErrNoGrabber) {
			return pipeline.PixelBuffer{}, err
		}
	}
	return w.syntheticFrame(rect), nil
}

// syntheticFrame produces a deterministic checkerboard image so the
// pipeline remains exercisable with no platform grabber wired.
func (w *Worker) syntheticFrame(rect pipeline.Rect) pipeline.PixelBuffer {
	width, height := defaultSyntheticW, defaultSyntheticH
	if !rect.Empty() {
		width, height = rect.W, rect.H
	}

	tick := atomic.AddUint64(&w.checkerTick, 1)
	const tile = 32
	pixels := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 4
			light := ((x/tile)+(y/tile)+int(tick))%2 == 0
			var v byte = 32
			if light {
				v = 220
			}
			pixels[i], pixels[i+1], pixels[i+2], pixels[i+3] = v, v, v, 0xFF
		}
	}
	return pipeline.PixelBuffer{Width: width, Height: height, Format: pipeline.PixelFormatRGBA, Pixels: pixels}
}

func (w *Worker) handleCaptureError(err error) {
	count := w.errorCount.Add(1)
	log.Warn("capture error", "error", err, "count", count)
	if count > maxErrorCount {
		w.recoveryMode.Store(true)
	}
}

func (w *Worker) errorRecovered() {
	w.statsMu.Lock()
	w.totalFrames++
	w.statsMu.Unlock()
	w.recoveryMode.Store(false)
}

func (w *Worker) recordGrabTime(d time.Duration) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.grabTimes = append(w.grabTimes, d)
	if len(w.grabTimes) > maxGrabTimeHistory {
		w.grabTimes = w.grabTimes[len(w.grabTimes)-maxGrabTimeHistory:]
	}
}

func (w *Worker) recordFrameTimestamp(t time.Time) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.frameTimes = append(w.frameTimes, t)
	if len(w.frameTimes) > maxFrameTSHistory {
		w.frameTimes = w.frameTimes[len(w.frameTimes)-maxFrameTSHistory:]
	}
}

// Stats returns a snapshot of capture performance: totals, current FPS
// derived from the last 60 frame timestamps, and min/avg/max grab time
// over the last 100 grabs.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	s := Stats{
		TotalFrames:   w.totalFrames,
		DroppedFrames: w.droppedFrames,
		ErrorCount:    w.errorCount.Load(),
		RecoveryMode:  w.recoveryMode.Load(),
	}

	if len(w.frameTimes) >= 2 {
		span := w.frameTimes[len(w.frameTimes)-1].Sub(w.frameTimes[0])
		if span > 0 {
			s.CurrentFPS = float64(len(w.frameTimes)-1) / span.Seconds()
		}
	}

	if len(w.grabTimes) > 0 {
		var sum, min, max time.Duration
		min = w.grabTimes[0]
		for _, d := range w.grabTimes {
			sum += d
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		s.MinGrabTime = min
		s.MaxGrabTime = max
		s.AvgGrabTime = sum / time.Duration(len(w.grabTimes))
	}

	return s
}
