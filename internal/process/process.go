// Package process implements the frame-encode stage: it drains captured
// frames, encodes them to JPEG across a worker pool, and enqueues the
// results for delivery.
package process

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/queue"
	"github.com/lanternops/deskrelay/internal/workerpool"
)

var log = logging.L("process")

const (
	maxStaleness         = 5000 * time.Millisecond
	defaultJPEGQuality   = 85
	latencyWarnMs        = 100.0
	rateWarnFPS          = 10.0
	minFramesForRateWarn = 10
)

// Stats is the point-in-time processing performance snapshot.
type Stats struct {
	ProcessedFrames     uint64
	DroppedFrames       uint64
	TotalProcessingTime time.Duration
	AverageLatency      time.Duration
	ProcessingRateFPS   float64
}

// Worker is the process stage's Task, driven by worker.Worker.
type Worker struct {
	in   *queue.BoundedQueue[pipeline.RawFrame]
	out  *queue.BoundedQueue[pipeline.EncodedFrame]
	pool *workerpool.Pool

	parallelism int
	quality     int

	processingMu sync.Mutex
	processing   bool

	statsMu           sync.Mutex
	processedFrames   uint64
	droppedFrames     uint64
	totalProcessingMs int64
	rateWindowStart   time.Time
	rateWindowFrames  uint64
}

// New constructs a process Worker draining in and filling out, encoding
// with the given parallelism degree and JPEG quality (0 selects the
// default of 85).
func New(in *queue.BoundedQueue[pipeline.RawFrame], out *queue.BoundedQueue[pipeline.EncodedFrame], parallelism, quality int) *Worker {
	if parallelism < 1 {
		parallelism = 1
	}
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	return &Worker{
		in:          in,
		out:         out,
		pool:        workerpool.New(parallelism, parallelism*4),
		parallelism: parallelism,
		quality:     quality,
		processing:  true,
	}
}

func (w *Worker) Initialize(ctx context.Context) error {
	w.statsMu.Lock()
	w.rateWindowStart = time.Now()
	w.statsMu.Unlock()
	return nil
}

func (w *Worker) Cleanup() {
	w.pool.Shutdown(context.Background())
}

// batchSize returns B = min(2*N, 10) per the opportunistic-drain rule.
func (w *Worker) batchSize() int {
	b := 2 * w.parallelism
	if b > 10 {
		b = 10
	}
	if b < 1 {
		b = 1
	}
	return b
}

// ProcessTask blocks for the first frame, opportunistically drains a small
// batch non-blockingly, encodes the batch in parallel, and enqueues every
// successfully encoded result.
func (w *Worker) ProcessTask(ctx context.Context) error {
	if !w.isProcessing() {
		return nil
	}

	first, ok := w.in.DequeueBlocking()
	if !ok {
		return nil
	}

	batch := make([]pipeline.RawFrame, 0, w.batchSize()+1)
	batch = append(batch, first)
	for len(batch) < w.batchSize()+1 {
		f, ok := w.in.TryDequeue()
		if !ok {
			break
		}
		batch = append(batch, f)
	}

	results := make([]*pipeline.EncodedFrame, len(batch))
	var wg sync.WaitGroup
	for i, frame := range batch {
		i, frame := i, frame
		wg.Add(1)
		submitted := w.pool.Submit(func() {
			defer wg.Done()
			results[i] = w.encode(frame)
		})
		if !submitted {
			wg.Done()
			results[i] = nil
		}
	}
	wg.Wait()

	for _, r := range results {
		if r == nil {
			continue
		}
		if !w.out.TryEnqueue(*r) {
			w.recordDropped()
		}
	}
	return nil
}

// encode converts and compresses a single frame, returning nil if it is
// stale (captured more than 5s ago) or fails to encode.
func (w *Worker) encode(frame pipeline.RawFrame) *pipeline.EncodedFrame {
	start := time.Now()
	if start.Sub(frame.CapturedAt) > maxStaleness {
		w.recordDropped()
		return nil
	}

	img := toImage(frame.Image)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.quality}); err != nil {
		log.Warn("jpeg encode failed", "frame_id", frame.FrameID, "error", err)
		w.recordDropped()
		return nil
	}

	encoded := &pipeline.EncodedFrame{
		OriginalFrameID: frame.FrameID,
		Payload:         buf.Bytes(),
		ImageSize:       frame.OriginalSize,
		ProcessedAt:     time.Now(),
		OriginalBytes:   uint64(len(frame.Image.Pixels)),
		EncodedBytes:    uint64(buf.Len()),
	}
	w.recordProcessed(time.Since(start))
	return encoded
}

// toImage converts buf to a codec-friendly image.Image, decoding its
// row-major bytes per PixelBuffer.Format rather than assuming RGBA.
func toImage(buf pipeline.PixelBuffer) image.Image {
	switch buf.Format {
	case pipeline.PixelFormatRGB:
		img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
		n := buf.Width * buf.Height
		for i := 0; i < n && i*3+2 < len(buf.Pixels); i++ {
			img.Pix[i*4+0] = buf.Pixels[i*3+0]
			img.Pix[i*4+1] = buf.Pixels[i*3+1]
			img.Pix[i*4+2] = buf.Pixels[i*3+2]
			img.Pix[i*4+3] = 0xFF
		}
		return img
	case pipeline.PixelFormatGray:
		img := image.NewGray(image.Rect(0, 0, buf.Width, buf.Height))
		copy(img.Pix, buf.Pixels)
		return img
	default: // PixelFormatRGBA
		img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
		copy(img.Pix, buf.Pixels)
		return img
	}
}

func (w *Worker) recordProcessed(d time.Duration) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.processedFrames++
	w.totalProcessingMs += d.Milliseconds()
	w.rateWindowFrames++
	w.maybeWarnLocked()
}

func (w *Worker) recordDropped() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.droppedFrames++
}

func (w *Worker) maybeWarnLocked() {
	if w.processedFrames <= minFramesForRateWarn {
		return
	}
	avg := float64(w.totalProcessingMs) / float64(w.processedFrames)
	elapsed := time.Since(w.rateWindowStart).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(w.rateWindowFrames) / elapsed
	}
	if avg > latencyWarnMs || rate < rateWarnFPS {
		log.Warn("processing falling behind", "avg_latency_ms", avg, "rate_fps", rate)
	}
}

func (w *Worker) isProcessing() bool {
	w.processingMu.Lock()
	defer w.processingMu.Unlock()
	return w.processing
}

// StopProcessingAndClearQueues halts the loop quickly, clears both queues,
// and resets statistics. Used when the client disconnects.
func (w *Worker) StopProcessingAndClearQueues() {
	w.processingMu.Lock()
	w.processing = false
	w.processingMu.Unlock()

	w.in.Clear()
	w.out.Clear()

	w.statsMu.Lock()
	w.processedFrames = 0
	w.droppedFrames = 0
	w.totalProcessingMs = 0
	w.rateWindowFrames = 0
	w.rateWindowStart = time.Now()
	w.statsMu.Unlock()
}

// ResumeProcessing restarts the statistics window; the loop resumes
// naturally once processing is true again.
func (w *Worker) ResumeProcessing() {
	w.processingMu.Lock()
	w.processing = true
	w.processingMu.Unlock()

	w.statsMu.Lock()
	w.rateWindowStart = time.Now()
	w.rateWindowFrames = 0
	w.statsMu.Unlock()
}

// Stats returns a snapshot of processing performance.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	s := Stats{
		ProcessedFrames: w.processedFrames,
		DroppedFrames:   w.droppedFrames,
	}
	if w.processedFrames > 0 {
		s.TotalProcessingTime = time.Duration(w.totalProcessingMs) * time.Millisecond
		s.AverageLatency = s.TotalProcessingTime / time.Duration(w.processedFrames)
	}
	if elapsed := time.Since(w.rateWindowStart).Seconds(); elapsed > 0 {
		s.ProcessingRateFPS = float64(w.rateWindowFrames) / elapsed
	}
	return s
}
