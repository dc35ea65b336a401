package audio

import "sync"

// Frame is one unit of PCM audio moving between components. The producer
// fills in the format fields so consumers never have to assume a rate or
// depth.
type Frame struct {
	PCM         []int16
	TimestampMS int64
	Rate        int
	BitDepth    int
}

// DefaultQueueFrames bounds buffered audio to 15 frames, about 300ms at
// 20ms framing. Anything deeper just adds latency the caller can hear.
const DefaultQueueFrames = 15

// FrameQueue is a fixed-capacity FIFO of audio frames with drop-newest
// semantics: when the queue is full the incoming frame is discarded and
// counted rather than blocking the producer. Safe for one producer and one
// consumer running concurrently.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []Frame
	cap     int
	dropped uint64
}

// NewFrameQueue returns a queue holding at most capacity frames. A
// capacity <= 0 falls back to DefaultQueueFrames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueFrames
	}
	return &FrameQueue{
		frames: make([]Frame, 0, capacity),
		cap:    capacity,
	}
}

// Push appends a frame. Returns false if the queue was full and the frame
// was dropped.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.cap {
		q.dropped++
		return false
	}
	q.frames = append(q.frames, f)
	return true
}

// Pop removes and returns the oldest frame. The second return is false when
// the queue is empty.
func (q *FrameQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames = q.frames[:len(q.frames)-1]
	return f, true
}

// Flush discards all buffered frames and returns how many were removed.
// Used for barge-in, where stale assistant audio must never reach the wire.
func (q *FrameQueue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = q.frames[:0]
	return n
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the total number of frames discarded due to overflow.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
