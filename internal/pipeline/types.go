// Package pipeline holds the data types shared across the capture,
// process, and delivery stages: the frame representations moved through
// the two inter-stage queues and the capture configuration they're
// produced from.
package pipeline

import "time"

// PixelBuffer is a row-major image: width*height*bytesPerPixel(format) bytes.
type PixelFormat int

const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatRGB
	PixelFormatGray
)

type PixelBuffer struct {
	Width  int
	Height int
	Format PixelFormat
	Pixels []byte
}

func (b PixelBuffer) NonEmpty() bool {
	return b.Width > 0 && b.Height > 0 && len(b.Pixels) > 0
}

// RawFrame is a captured, not-yet-encoded frame. Valid iff FrameID>0,
// Image.NonEmpty(), and both dimensions are positive.
type RawFrame struct {
	FrameID      uint64
	Image        PixelBuffer
	CapturedAt   time.Time
	OriginalSize [2]uint32
}

func (f RawFrame) Valid() bool {
	return f.FrameID > 0 && f.Image.NonEmpty() && f.OriginalSize[0] > 0 && f.OriginalSize[1] > 0
}

// EncodedFrame is a transport-ready JPEG payload produced from a RawFrame.
type EncodedFrame struct {
	OriginalFrameID uint64
	Payload         []byte
	ImageSize       [2]uint32
	ProcessedAt     time.Time
	OriginalBytes   uint64
	EncodedBytes    uint64
}

func (f EncodedFrame) Valid() bool {
	return len(f.Payload) > 0 && f.EncodedBytes == uint64(len(f.Payload))
}

// CaptureConfig governs the capture loop's pacing and grab parameters. Set
// only normalizes on assignment; the public getter always observes a
// normalized value.
type CaptureConfig struct {
	FrameRate         int
	Quality           float64
	CaptureRect       Rect // zero value = whole screen
	HighDefinition    bool
	AntiAliasing      bool
	HighScaleQuality  bool
	MaxQueueSize      int
}

// Rect is a capture region; the zero value means "whole screen".
type Rect struct {
	X, Y, W, H int
}

func (r Rect) Empty() bool { return r.W == 0 || r.H == 0 }

// Normalized clamps every field of c to its valid range:
// frame_rate in [1,120], quality in [0.0,1.0], max_queue_size in [1,1000].
func (c CaptureConfig) Normalized() CaptureConfig {
	out := c
	switch {
	case out.FrameRate < 1:
		out.FrameRate = 1
	case out.FrameRate > 120:
		out.FrameRate = 120
	}
	switch {
	case out.Quality < 0:
		out.Quality = 0
	case out.Quality > 1:
		out.Quality = 1
	}
	switch {
	case out.MaxQueueSize < 1:
		out.MaxQueueSize = 1
	case out.MaxQueueSize > 1000:
		out.MaxQueueSize = 1000
	}
	return out
}

// FrameDelay derives the inter-frame pacing interval from FrameRate.
func (c CaptureConfig) FrameDelay() time.Duration {
	fr := c.Normalized().FrameRate
	return time.Second / time.Duration(fr)
}
