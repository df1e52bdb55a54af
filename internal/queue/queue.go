// Package queue implements the bounded byte FIFO that sits between network
// I/O and fixed-size block delivery.
package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ByteQueue is a fixed-capacity ring buffer of bytes.
//
// One producer and one consumer may use it concurrently. When a push does not
// fit, the bytes that overflow are dropped and an overrun is recorded; bytes
// already queued are never touched.
type ByteQueue struct {
	mu   sync.Mutex
	buf  []byte
	head int // index of the oldest byte
	size int

	overruns atomic.Uint64
	dropped  atomic.Uint64

	name   string
	logger *slog.Logger
	warn   rate.Sometimes
}

// Option configures a ByteQueue.
type Option func(*ByteQueue)

// WithLogger sets the logger used for overrun warnings.
func WithLogger(l *slog.Logger) Option {
	return func(q *ByteQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithName labels overrun warnings.
func WithName(name string) Option {
	return func(q *ByteQueue) { q.name = name }
}

// New creates a queue holding at most capacity bytes.
func New(capacity int, opts ...Option) *ByteQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &ByteQueue{
		buf:    make([]byte, capacity),
		logger: slog.Default(),
		warn:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// CapacityFor returns the ring size used for a given datagram payload size.
// Larger payloads get proportionally fewer slots to bound memory.
func CapacityFor(payloadSize int) int {
	switch {
	case payloadSize < 2000:
		return payloadSize * 4000
	case payloadSize < 5000:
		return payloadSize * 2000
	default:
		return payloadSize * 1500
	}
}

// Push appends p and returns how many bytes were accepted.
func (q *ByteQueue) Push(p []byte) int {
	if len(p) == 0 {
		return 0
	}

	q.mu.Lock()
	n := min(len(p), len(q.buf)-q.size)
	q.write(p[:n])
	occupied := q.size
	q.mu.Unlock()

	q.overrun(len(p)-n, occupied)
	return n
}

// PushAll appends p only if all of it fits. A rejected push counts as an
// overrun of len(p) bytes.
func (q *ByteQueue) PushAll(p []byte) bool {
	if len(p) == 0 {
		return true
	}

	q.mu.Lock()
	fits := len(p) <= len(q.buf)-q.size
	if fits {
		q.write(p)
	}
	occupied := q.size
	q.mu.Unlock()

	if !fits {
		q.overrun(len(p), occupied)
	}
	return fits
}

// write copies p to the tail. The caller holds mu and has checked space.
func (q *ByteQueue) write(p []byte) {
	tail := (q.head + q.size) % len(q.buf)
	first := copy(q.buf[tail:], p)
	if first < len(p) {
		copy(q.buf, p[first:])
	}
	q.size += len(p)
}

func (q *ByteQueue) overrun(lost, occupied int) {
	if lost <= 0 {
		return
	}
	q.overruns.Add(1)
	q.dropped.Add(uint64(lost))
	q.warn.Do(func() {
		q.logger.Warn("byte queue overrun",
			"queue", q.name,
			"dropped_bytes", lost,
			"queued_bytes", occupied,
			"capacity", len(q.buf))
	})
}

// Len returns the number of queued bytes.
func (q *ByteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity in bytes.
func (q *ByteQueue) Cap() int {
	return len(q.buf)
}

// Free returns the number of bytes that can be pushed without overrun.
func (q *ByteQueue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.size
}

// Drain removes and returns the first n bytes. It returns nil when fewer than
// n bytes are queued; callers check Len first.
func (q *ByteQueue) Drain(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		return nil
	}
	q.read(out, true)
	return out
}

// DrainInto removes up to len(dst) bytes into dst and returns the count.
func (q *ByteQueue) DrainInto(dst []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(dst, true)
}

// Peek copies up to len(dst) bytes without removing them.
func (q *ByteQueue) Peek(dst []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(dst, false)
}

// Discard drops up to n bytes from the head and returns the count dropped.
func (q *ByteQueue) Discard(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	if n <= 0 {
		return 0
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	if q.size == 0 {
		q.head = 0
	}
	return n
}

// DiscardTail drops n bytes from the tail, newest first.
func (q *ByteQueue) DiscardTail(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	if n <= 0 {
		return 0
	}
	q.size -= n
	if q.size == 0 {
		q.head = 0
	}
	return n
}

// Reset empties the queue and returns how many bytes were thrown away.
func (q *ByteQueue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	q.head = 0
	q.size = 0
	return n
}

// Overruns returns how many pushes did not fit.
func (q *ByteQueue) Overruns() uint64 {
	return q.overruns.Load()
}

// DroppedBytes returns the total number of bytes rejected by overruns.
func (q *ByteQueue) DroppedBytes() uint64 {
	return q.dropped.Load()
}

// read copies from the head into dst. The caller holds mu.
func (q *ByteQueue) read(dst []byte, consume bool) int {
	n := len(dst)
	if n > q.size {
		n = q.size
	}
	if n == 0 {
		return 0
	}
	first := copy(dst[:n], q.buf[q.head:])
	if first < n {
		copy(dst[first:n], q.buf)
	}
	if consume {
		q.head = (q.head + n) % len(q.buf)
		q.size -= n
		if q.size == 0 {
			q.head = 0
		}
	}
	return n
}
