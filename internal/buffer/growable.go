// Package buffer provides an unbounded FIFO queue used between goroutines
// that must never block the producer: the transport delivery queue and the
// per-security update queues.
package buffer

import (
	"context"
	"sync"
)

// growThreshold is the fill percentage at which the ring doubles.
const growThreshold = 70

// GrowableBuffer is a thread-safe ring buffer that doubles its capacity
// when it reaches 70% full. Send never blocks.
type GrowableBuffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	resizeCount   int
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

// NewGrowableBuffer creates a new buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	b := &GrowableBuffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends an item and returns the queue length after the append.
// Returns ok=false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) (n int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.count, false
	}

	threshold := (b.capacity * growThreshold) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return b.count, true
}

// SendFront inserts an item ahead of everything queued, so it is the next
// one received. Returns ok=false if the buffer is closed.
func (b *GrowableBuffer[T]) SendFront(item T) (n int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.count, false
	}

	threshold := (b.capacity * growThreshold) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.head = (b.head - 1 + b.capacity) % b.capacity
	b.buf[b.head] = item
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return b.count, true
}

// Receive blocks until an item is available or the buffer is closed and
// drained. Returns the zero value and false in the latter case.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	return b.popLocked()
}

// ReceiveContext is Receive with cancellation. It returns ctx.Err() when
// the context ends before an item arrives.
func (b *GrowableBuffer[T]) ReceiveContext(ctx context.Context) (T, bool, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, false, err
		}
		b.cond.Wait()
	}

	item, ok := b.popLocked()
	return item, ok, nil
}

// TryReceive returns an item without blocking, if one is available.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

// DrainTo removes up to max items (all items if max <= 0).
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := b.popLocked()
		result = append(result, item)
	}
	return result
}

// Close closes the buffer. Send fails afterwards; receivers get the
// remaining items and then the closed signal.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current ring capacity.
func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.count,
		Capacity:      b.capacity,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		ResizeCount:   b.resizeCount,
	}
}

// popLocked removes the head item. Caller holds mu.
func (b *GrowableBuffer[T]) popLocked() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}

	item := b.buf[b.head]
	b.buf[b.head] = zero // release reference
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item, true
}

// grow doubles the capacity. Caller holds mu.
func (b *GrowableBuffer[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
