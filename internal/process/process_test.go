package process

import (
	"image"
	"testing"
	"time"

	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/queue"
)

func TestToImageHonorsRGBFormat(t *testing.T) {
	buf := pipeline.PixelBuffer{
		Width:  2,
		Height: 1,
		Format: pipeline.PixelFormatRGB,
		Pixels: []byte{0xAA, 0xBB, 0xCC, 0x11, 0x22, 0x33},
	}
	img := toImage(buf)
	rgba, ok := img.(*image.RGBA)
	if !ok {
		t.Fatalf("expected *image.RGBA, got %T", img)
	}
	if rgba.Pix[0] != 0xAA || rgba.Pix[1] != 0xBB || rgba.Pix[2] != 0xCC || rgba.Pix[3] != 0xFF {
		t.Fatalf("unexpected pixel 0 conversion: %v", rgba.Pix[0:4])
	}
	if rgba.Pix[4] != 0x11 || rgba.Pix[5] != 0x22 || rgba.Pix[6] != 0x33 || rgba.Pix[7] != 0xFF {
		t.Fatalf("unexpected pixel 1 conversion: %v", rgba.Pix[4:8])
	}
}

func TestToImageHonorsGrayFormat(t *testing.T) {
	buf := pipeline.PixelBuffer{
		Width:  2,
		Height: 1,
		Format: pipeline.PixelFormatGray,
		Pixels: []byte{0x40, 0x80},
	}
	img := toImage(buf)
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("expected *image.Gray, got %T", img)
	}
	if gray.Pix[0] != 0x40 || gray.Pix[1] != 0x80 {
		t.Fatalf("unexpected gray conversion: %v", gray.Pix)
	}
}

func TestToImageDefaultsToRGBA(t *testing.T) {
	buf := pipeline.PixelBuffer{
		Width:  1,
		Height: 1,
		Format: pipeline.PixelFormatRGBA,
		Pixels: []byte{1, 2, 3, 4},
	}
	img := toImage(buf)
	rgba, ok := img.(*image.RGBA)
	if !ok {
		t.Fatalf("expected *image.RGBA, got %T", img)
	}
	if rgba.Pix[0] != 1 || rgba.Pix[1] != 2 || rgba.Pix[2] != 3 || rgba.Pix[3] != 4 {
		t.Fatalf("unexpected RGBA passthrough: %v", rgba.Pix)
	}
}

func TestEncodesCapturedFrameIntoProcessedQueue(t *testing.T) {
	in := queue.New[pipeline.RawFrame](4)
	out := queue.New[pipeline.EncodedFrame](4)
	w := New(in, out, 2, 85)
	if err := w.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	in.TryEnqueue(pipeline.RawFrame{
		FrameID:      1,
		Image:        pipeline.PixelBuffer{Width: 4, Height: 4, Format: pipeline.PixelFormatRGBA, Pixels: make([]byte, 4*4*4)},
		CapturedAt:   time.Now(),
		OriginalSize: [2]uint32{4, 4},
	})

	if err := w.ProcessTask(nil); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	encoded, ok := out.TryDequeue()
	if !ok {
		t.Fatal("expected an encoded frame in the output queue")
	}
	if encoded.OriginalFrameID != 1 {
		t.Fatalf("expected original_frame_id 1, got %d", encoded.OriginalFrameID)
	}
	if !encoded.Valid() {
		t.Fatal("encoded frame failed its own validity invariant")
	}
}

func TestStaleFramesAreDroppedNotEncoded(t *testing.T) {
	in := queue.New[pipeline.RawFrame](4)
	out := queue.New[pipeline.EncodedFrame](4)
	w := New(in, out, 1, 85)
	if err := w.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	in.TryEnqueue(pipeline.RawFrame{
		FrameID:      1,
		Image:        pipeline.PixelBuffer{Width: 2, Height: 2, Format: pipeline.PixelFormatRGBA, Pixels: make([]byte, 2*2*4)},
		CapturedAt:   time.Now().Add(-6 * time.Second),
		OriginalSize: [2]uint32{2, 2},
	})

	if err := w.ProcessTask(nil); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if _, ok := out.TryDequeue(); ok {
		t.Fatal("a stale frame must not be enqueued as an encoded frame")
	}
	if w.Stats().DroppedFrames == 0 {
		t.Fatal("expected the stale frame to count as dropped")
	}
}
