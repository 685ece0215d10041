package rfbiom

import "fmt"

// Frame is one amplitude per radio subcarrier, produced once per tick.
type Frame []float64

// SampleBuffer is a fixed-capacity FIFO window of recent frames in acquisition order.
// It is owned by a single actor and is not safe for concurrent use.
type SampleBuffer struct {
	frames []Frame
	head   int // index of the oldest frame
	size   int
}

// NewSampleBuffer creates an empty window holding at most capacity frames.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("sample buffer capacity must be positive: %d", capacity))
	}
	return &SampleBuffer{frames: make([]Frame, capacity)}
}

// Append adds frame at the tail, evicting the oldest frame once the window is full.
func (b *SampleBuffer) Append(frame Frame) {
	capacity := len(b.frames)
	if b.size < capacity {
		b.frames[(b.head+b.size)%capacity] = frame
		b.size++
		return
	}
	b.frames[b.head] = frame
	b.head = (b.head + 1) % capacity
}

// IsWarm reports whether the window is full, which frequency analysis requires.
func (b *SampleBuffer) IsWarm() bool {
	return b.size >= len(b.frames)
}

// Len returns the number of buffered frames.
func (b *SampleBuffer) Len() int {
	return b.size
}

// Cap returns the window capacity.
func (b *SampleBuffer) Cap() int {
	return len(b.frames)
}

// Latest returns the most recently appended frame, or nil when empty.
func (b *SampleBuffer) Latest() Frame {
	if b.size == 0 {
		return nil
	}
	return b.frames[(b.head+b.size-1)%len(b.frames)]
}

// Snapshot returns the buffered frames oldest first. The frames themselves are shared.
func (b *SampleBuffer) Snapshot() []Frame {
	out := make([]Frame, b.size)
	for i := range out {
		out[i] = b.frames[(b.head+i)%len(b.frames)]
	}
	return out
}

// Each calls fn for every buffered frame, oldest first, without allocating.
func (b *SampleBuffer) Each(fn func(i int, frame Frame)) {
	for i := 0; i < b.size; i++ {
		fn(i, b.frames[(b.head+i)%len(b.frames)])
	}
}
