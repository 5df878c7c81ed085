// Package ring provides the bounded single-producer/single-consumer queue
// that hands raw feed frames from a transport's IO goroutine to its consumer.
package ring

import (
	"fmt"
	"sync/atomic"
)

const minCapacity = 8

// Queue is a bounded SPSC ring of frame payloads. Exactly one goroutine may
// push and exactly one may pop; the indices are published with
// acquire/release atomics so neither side takes a lock.
type Queue struct {
	buf  [][]byte
	mask uint64

	head atomic.Uint64 // next write slot, producer-owned
	tail atomic.Uint64 // next read slot, consumer-owned
}

// New constructs a queue whose capacity is rounded up to the next power of
// two, with a floor of 8.
func New(capacity int) *Queue {
	if capacity < 0 {
		panic(fmt.Sprintf("ring: negative capacity %d", capacity))
	}
	c := nextPow2(uint64(capacity))
	q := new(Queue)
	q.buf = make([][]byte, c)
	q.mask = c - 1
	return q
}

// TryPush appends msg and returns true, or returns false when the queue is
// full. A false return means the frame is dropped upstream; the queue itself
// never blocks.
func (q *Queue) TryPush(msg []byte) bool {
	head := q.head.Load()
	tail := q.tail.Load()
	if head-tail == q.Cap() {
		return false
	}
	q.buf[head&q.mask] = msg
	q.head.Store(head + 1)
	return true
}

// TryPop moves the front payload out of the queue. It returns nil, false when
// the queue is empty.
func (q *Queue) TryPop() ([]byte, bool) {
	tail := q.tail.Load()
	head := q.head.Load()
	if head == tail {
		return nil, false
	}
	slot := tail & q.mask
	msg := q.buf[slot]
	q.buf[slot] = nil
	q.tail.Store(tail + 1)
	return msg, true
}

// Len reports the number of queued payloads. The value is approximate while
// the producer and consumer are running, exact when both are quiescent.
func (q *Queue) Len() int {
	return int(q.head.Load() - q.tail.Load())
}

// Cap reports the fixed capacity.
func (q *Queue) Cap() uint64 {
	return q.mask + 1
}

// Empty reports whether the queue holds no payloads.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Full reports whether a TryPush would currently fail.
func (q *Queue) Full() bool {
	return uint64(q.Len()) == q.Cap()
}

// Reset rewinds both indices and releases the retained payloads. It is safe
// only while neither the producer nor the consumer goroutine is running.
func (q *Queue) Reset() {
	q.head.Store(0)
	q.tail.Store(0)
	for i := range q.buf {
		q.buf[i] = nil
	}
}

func nextPow2(n uint64) uint64 {
	if n < minCapacity {
		return minCapacity
	}
	if n&(n-1) == 0 {
		return n
	}
	n--
	for shift := uint(1); shift < 64; shift <<= 1 {
		n |= n >> shift
	}
	return n + 1
}
