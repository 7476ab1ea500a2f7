package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/queue"
)

type fakeGrabber struct {
	err   error
	calls int
}

func (g *fakeGrabber) Grab(rect pipeline.Rect) (pipeline.PixelBuffer, error) {
	g.calls++
	if g.err != nil {
		return pipeline.PixelBuffer{}, g.err
	}
	return pipeline.PixelBuffer{Width: 4, Height: 4, Pixels: make([]byte, 64)}, nil
}

func TestFallsBackToSyntheticWhenGrabberMissing(t *testing.T) {
	q := queue.New[pipeline.RawFrame](4)
	w := New(nil, false, q, pipeline.CaptureConfig{FrameRate: 60, MaxQueueSize: 10})
	w.StartCapturing()

	if err := w.ProcessTask(nil); err != nil {
		t.Fatalf("ProcessTask returned error: %v", err)
	}

	frame, ok := q.TryDequeue()
	if !ok {
		t.Fatal("expected a synthetic frame to be enqueued")
	}
	if !frame.Valid() {
		t.Fatal("synthetic frame failed its own validity invariant")
	}
}

func TestForceSyntheticIgnoresRealGrabber(t *testing.T) {
	g := &fakeGrabber{}
	q := queue.New[pipeline.RawFrame](4)
	w := New(g, true, q, pipeline.CaptureConfig{FrameRate: 60, MaxQueueSize: 10})
	w.StartCapturing()
	w.ProcessTask(nil)

	if g.calls != 0 {
		t.Fatal("a real grabber must not be called when SyntheticCapture forces the fallback")
	}
}

func TestNotCapturingIsANoop(t *testing.T) {
	g := &fakeGrabber{}
	q := queue.New[pipeline.RawFrame](4)
	w := New(g, false, q, pipeline.CaptureConfig{FrameRate: 60})
	w.ProcessTask(nil)

	if g.calls != 0 {
		t.Fatal("ProcessTask must not grab while capturing is stopped")
	}
	if q.Size() != 0 {
		t.Fatal("queue must stay empty while capturing is stopped")
	}
}

func TestFramePacingSkipsWithinDelay(t *testing.T) {
	g := &fakeGrabber{}
	q := queue.New[pipeline.RawFrame](4)
	w := New(g, false, q, pipeline.CaptureConfig{FrameRate: 1, MaxQueueSize: 10})
	w.StartCapturing()

	w.ProcessTask(nil)
	w.ProcessTask(nil)

	if g.calls != 1 {
		t.Fatalf("expected exactly one grab within the frame_rate=1 pacing window, got %d", g.calls)
	}
}

func TestRecoveryModeSetAfterTenErrors(t *testing.T) {
	g := &fakeGrabber{err: errors.New("grab failed")}
	q := queue.New[pipeline.RawFrame](4)
	w := New(g, false, q, pipeline.CaptureConfig{FrameRate: 1000, MaxQueueSize: 10})
	w.StartCapturing()

	for i := 0; i < 11; i++ {
		w.lastCapture = time.Time{}
		w.ProcessTask(nil)
	}

	if !w.Stats().RecoveryMode {
		t.Fatal("expected recovery_mode after exceeding the error threshold")
	}
}

func TestDropsFramesOnFullQueue(t *testing.T) {
	q := queue.New[pipeline.RawFrame](1)
	w := New(nil, false, q, pipeline.CaptureConfig{FrameRate: 1000, MaxQueueSize: 1})
	w.StartCapturing()

	for i := 0; i < 3; i++ {
		w.lastCapture = time.Time{}
		w.ProcessTask(nil)
	}

	if w.Stats().DroppedFrames == 0 {
		t.Fatal("expected dropped frames once the queue filled up")
	}
}

func TestFrameIDsAreMonotonicFromOne(t *testing.T) {
	q := queue.New[pipeline.RawFrame](10)
	w := New(nil, false, q, pipeline.CaptureConfig{FrameRate: 1000, MaxQueueSize: 10})
	w.StartCapturing()

	for i := 0; i < 3; i++ {
		w.lastCapture = time.Time{}
		w.ProcessTask(nil)
	}

	var last uint64
	for i := 0; i < 3; i++ {
		f, ok := q.TryDequeue()
		if !ok {
			t.Fatal("expected three frames")
		}
		if f.FrameID <= last {
			t.Fatalf("frame ids not strictly increasing: %d then %d", last, f.FrameID)
		}
		last = f.FrameID
	}
}
