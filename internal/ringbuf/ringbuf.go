// Package ringbuf is a bounded single-producer single-consumer queue of
// live ticks between a socket reader and a session loop.
//
// Push never blocks: a full ring drops the new tick and counts it. The
// consumer selects on Wake and then drains with Pop.
package ringbuf

import (
	"sync/atomic"

	"trading-simv1/internal/model"
)

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// Ring is a lock-free SPSC ring of ticks. Capacity is a power of two.
type Ring struct {
	buf  []model.Tick
	mask uint64
	wake chan struct{}

	_pad0 [cacheLine]byte
	head  atomic.Uint64 // producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // consumer
	_pad2 [cacheLine]byte

	dropped atomic.Uint64
}

// New creates a ring. capacity is rounded up to the next power of two, minimum 2.
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Tick, n),
		mask: uint64(n - 1),
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues t and signals Wake. Returns false when the ring is full.
func (r *Ring) Push(t model.Tick) bool {
	head := r.head.Load()
	if head-r.tail.Load() >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[head&r.mask] = t
	r.head.Store(head + 1)

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop dequeues the oldest tick.
func (r *Ring) Pop() (model.Tick, bool) {
	tail := r.tail.Load()
	if tail >= r.head.Load() {
		return model.Tick{}, false
	}
	t := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return t, true
}

// Drain pops every queued tick into fn and returns how many were handled.
func (r *Ring) Drain(fn func(model.Tick)) int {
	n := 0
	for {
		t, ok := r.Pop()
		if !ok {
			return n
		}
		fn(t)
		n++
	}
}

// Wake receives after at least one Push since the last receive.
func (r *Ring) Wake() <-chan struct{} { return r.wake }

func (r *Ring) Len() int { return int(r.head.Load() - r.tail.Load()) }

func (r *Ring) Cap() int { return len(r.buf) }

// Dropped returns the number of ticks rejected because the ring was full.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
