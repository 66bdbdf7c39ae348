package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
)

var (
	// ErrDeadlineExceeded is returned by blocking ring buffer operations
	// whose context expires first.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrRecordTooLarge is returned when a record can never fit the buffer.
	ErrRecordTooLarge = errors.New("record larger than ring buffer capacity")
	// ErrClosed is returned by operations on a closed ring buffer.
	ErrClosed = errors.New("ring buffer closed")
)

const recordHeaderSize = 8

// RingBuffer is a fixed capacity byte queue of length prefixed records.
// Any number of goroutines may push and pop; records are delivered whole
// and in push order.
type RingBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	r, w   uint64
	closed bool
}

// NewRingBuffer returns a ring buffer holding up to capacity bytes,
// record headers included.
func NewRingBuffer(capacity int) *RingBuffer {
	rb := &RingBuffer{buf: make([]byte, capacity)}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int { return len(rb.buf) }

// Len returns the number of bytes currently queued.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.w - rb.r)
}

// wait blocks on the condition variable until it is signaled or ctx is
// done. Must be called with rb.mu held.
func (rb *RingBuffer) wait(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrDeadlineExceeded
	}
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	rb.cond.Wait()
	stop()
	if ctx.Err() != nil {
		return ErrDeadlineExceeded
	}
	return nil
}

// Push appends one record, blocking until there is room for it or ctx is
// done.
func (rb *RingBuffer) Push(ctx context.Context, record []byte) error {
	need := uint64(recordHeaderSize + len(record))
	if need > uint64(len(rb.buf)) {
		return ErrRecordTooLarge
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for {
		if rb.closed {
			return ErrClosed
		}
		if uint64(len(rb.buf))-(rb.w-rb.r) >= need {
			break
		}
		if err := rb.wait(ctx); err != nil {
			return err
		}
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(record)))
	rb.write(hdr[:])
	rb.write(record)
	rb.cond.Broadcast()
	return nil
}

// Pop removes the oldest record, blocking until one is available or ctx is
// done.
func (rb *RingBuffer) Pop(ctx context.Context) ([]byte, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.w == rb.r {
		if rb.closed {
			return nil, ErrClosed
		}
		if err := rb.wait(ctx); err != nil {
			return nil, err
		}
	}
	var hdr [recordHeaderSize]byte
	rb.read(hdr[:])
	n := binary.LittleEndian.Uint64(hdr[:])
	if n > rb.w-rb.r {
		panic("protocol: ring buffer record header exceeds queued bytes")
	}
	out := make([]byte, n)
	rb.read(out)
	rb.cond.Broadcast()
	return out, nil
}

// Close wakes every blocked goroutine. Queued records can still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

func (rb *RingBuffer) write(p []byte) {
	size := uint64(len(rb.buf))
	for len(p) > 0 {
		off := rb.w % size
		n := copy(rb.buf[off:], p)
		p = p[n:]
		rb.w += uint64(n)
	}
}

func (rb *RingBuffer) read(p []byte) {
	size := uint64(len(rb.buf))
	for len(p) > 0 {
		off := rb.r % size
		n := copy(p, rb.buf[off:])
		p = p[n:]
		rb.r += uint64(n)
	}
}
