package rtpmedia

import "container/heap"

// BufferLen is VOIP_BUFFER_LEN: the jitter buffer holds at most this many
// frames before it starts delivering the lowest-timestamp one.
const BufferLen = 5

// frameHeap is a min-heap over RtpFrame ordered by RTP timestamp, the same
// container/heap approach the teacher's pkg/media/jitter_buffer.go uses for
// its packet heap.
type frameHeap []RtpFrame

func (h frameHeap) Len() int            { return len(h) }
func (h frameHeap) Less(i, j int) bool   { return h[i].Timestamp < h[j].Timestamp }
func (h frameHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x interface{})  { *h = append(*h, x.(RtpFrame)) }
func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// JitterBuffer is a fixed-capacity, single-producer/single-consumer reorder
// buffer. It holds up to BufferLen frames; once full, it delivers frames in
// ascending timestamp order. There is no retransmission and no explicit
// loss concealment — an overflowing Push silently drops the oldest frame.
type JitterBuffer struct {
	frames frameHeap
}

// NewJitterBuffer returns an empty buffer ready to accept frames.
func NewJitterBuffer() *JitterBuffer {
	jb := &JitterBuffer{frames: make(frameHeap, 0, BufferLen)}
	heap.Init(&jb.frames)
	return jb
}

// Push adds a decoded inbound frame. If the buffer is already at BufferLen,
// the oldest (lowest-timestamp) of the buffered frames and f is dropped
// (JitterOverflow, §7) and dropped is true; the length stays at BufferLen.
func (jb *JitterBuffer) Push(f RtpFrame) (dropped bool) {
	if jb.frames.Len() >= BufferLen {
		if f.Timestamp > jb.frames[0].Timestamp {
			jb.frames[0] = f
			heap.Fix(&jb.frames, 0)
		}
		return true
	}
	heap.Push(&jb.frames, f)
	return false
}

// Full reports whether the buffer has reached BufferLen frames, the
// delivery threshold the audio pump waits for before it starts draining.
func (jb *JitterBuffer) Full() bool {
	return jb.frames.Len() >= BufferLen
}

// Len reports the number of frames currently buffered.
func (jb *JitterBuffer) Len() int {
	return jb.frames.Len()
}

// Pop removes and returns the lowest-timestamp buffered frame. ok is false
// if the buffer is empty.
func (jb *JitterBuffer) Pop() (f RtpFrame, ok bool) {
	if jb.frames.Len() == 0 {
		return RtpFrame{}, false
	}
	return heap.Pop(&jb.frames).(RtpFrame), true
}
