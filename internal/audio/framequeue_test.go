package audio

import "testing"

func TestFrameQueueFIFO(t *testing.T) {
	q := NewFrameQueue(4)
	for i := 0; i < 3; i++ {
		if !q.Push(Frame{TimestampMS: int64(i)}) {
			t.Fatalf("push %d rejected on non-full queue", i)
		}
	}
	for i := 0; i < 3; i++ {
		f, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue unexpectedly empty", i)
		}
		if f.TimestampMS != int64(i) {
			t.Errorf("pop %d: got timestamp %d, want %d", i, f.TimestampMS, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("pop on empty queue returned a frame")
	}
}

func TestFrameQueueDropNewest(t *testing.T) {
	q := NewFrameQueue(2)
	q.Push(Frame{TimestampMS: 1})
	q.Push(Frame{TimestampMS: 2})
	if q.Push(Frame{TimestampMS: 3}) {
		t.Fatal("push on full queue succeeded")
	}
	if q.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", q.Dropped())
	}
	// The oldest frames survive; the newest was the casualty.
	f, _ := q.Pop()
	if f.TimestampMS != 1 {
		t.Errorf("first pop = %d, want 1", f.TimestampMS)
	}
}

func TestFrameQueueFlush(t *testing.T) {
	q := NewFrameQueue(8)
	for i := 0; i < 5; i++ {
		q.Push(Frame{TimestampMS: int64(i)})
	}
	if n := q.Flush(); n != 5 {
		t.Fatalf("flush removed %d frames, want 5", n)
	}
	if q.Len() != 0 {
		t.Fatalf("len after flush = %d", q.Len())
	}
	// The queue stays usable after a flush.
	if !q.Push(Frame{TimestampMS: 9}) {
		t.Fatal("push after flush rejected")
	}
}

func TestFrameQueueDefaultCapacity(t *testing.T) {
	q := NewFrameQueue(0)
	for i := 0; i < DefaultQueueFrames; i++ {
		if !q.Push(Frame{}) {
			t.Fatalf("push %d rejected below default capacity", i)
		}
	}
	if q.Push(Frame{}) {
		t.Error("push beyond default capacity succeeded")
	}
}
