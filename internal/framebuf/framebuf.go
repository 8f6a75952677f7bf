// Package framebuf holds the rolling window of recent camera frames.
//
// A RingBuffer has exactly one writer (the capture loop) and any number of
// snapshot readers. Frames are immutable once pushed: the buffer never
// modifies a frame's Data, and snapshots share Data slices with the buffer.
package framebuf

import (
	"math"
	"sync"
	"time"
)

// DefaultFrameRate is used when the capture source cannot report its rate.
const DefaultFrameRate = 20.0

// Format describes how Frame.Data is encoded.
type Format int

const (
	// FormatJPEG is a complete JPEG image.
	FormatJPEG Format = iota
	// FormatRGB is packed 8-bit RGB, Width*Height*3 bytes.
	FormatRGB
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatRGB:
		return "rgb"
	default:
		return "unknown"
	}
}

// Frame is a single captured image sample.
type Frame struct {
	// Seq is the monotonic sequence number assigned at capture.
	Seq uint64
	// Timestamp is when the frame was captured.
	Timestamp time.Time
	Width     int
	Height    int
	Format    Format
	// Data MUST NOT be modified after the frame is pushed.
	Data []byte
}

// RingBuffer is a fixed-capacity FIFO of frames. The oldest frame is
// evicted once the buffer is full.
type RingBuffer struct {
	mu     sync.RWMutex
	frames []Frame
	head   int // index of the oldest frame
	count  int
}

// New creates a ring buffer holding at most capacity frames.
// A capacity below 1 is raised to 1.
func New(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{frames: make([]Frame, capacity)}
}

// CapacityFor returns the number of frames needed to hold bufferSeconds
// of video at fps frames per second.
func CapacityFor(bufferSeconds, fps float64) int {
	n := int(math.Ceil(bufferSeconds * fps))
	if n < 1 {
		return 1
	}
	return n
}

// ResolveFrameRate returns the source-reported rate truncated to whole
// frames per second, or fallback when the source reports nothing usable.
func ResolveFrameRate(reported, fallback float64) float64 {
	if fallback <= 0 {
		fallback = DefaultFrameRate
	}
	if reported <= 0 || math.IsNaN(reported) || math.IsInf(reported, 0) {
		return fallback
	}
	if r := math.Trunc(reported); r >= 1 {
		return r
	}
	return fallback
}

// Push appends a frame, overwriting the oldest one when full.
func (b *RingBuffer) Push(f Frame) {
	b.mu.Lock()
	capacity := len(b.frames)
	if b.count < capacity {
		b.frames[(b.head+b.count)%capacity] = f
		b.count++
	} else {
		b.frames[b.head] = f
		b.head = (b.head + 1) % capacity
	}
	b.mu.Unlock()
}

// Snapshot returns the buffered frames, oldest first. The returned slice
// is owned by the caller; the buffer keeps accepting pushes.
func (b *RingBuffer) Snapshot() []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Frame, b.count)
	capacity := len(b.frames)
	for i := 0; i < b.count; i++ {
		out[i] = b.frames[(b.head+i)%capacity]
	}
	return out
}

// Len returns the number of buffered frames.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *RingBuffer) Cap() int {
	return len(b.frames)
}

// Window returns the capture time span covered by a snapshot.
func Window(frames []Frame) (start, end time.Time) {
	if len(frames) == 0 {
		return time.Time{}, time.Time{}
	}
	return frames[0].Timestamp, frames[len(frames)-1].Timestamp
}
