package engine

import (
	"fmt"

	"github.com/marmos91/fabstream/pkg/fabric"
)

// FIFO is a power-of-two ring of buffer references with separate insertion
// and removal counters. One producer and one consumer, both serialized by
// the worker-half mutex that owns the session.
type FIFO struct {
	insertions uint64
	removals   uint64
	mask       uint64
	hdr        []*Buffer
}

// NewFIFO creates a ring of the given capacity, which must be a power of
// two.
func NewFIFO(size int) (*FIFO, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("fifo capacity %d is not a power of two", size)
	}
	return &FIFO{mask: uint64(size - 1), hdr: make([]*Buffer, size)}, nil
}

// mustFIFO is for fixed, known-good capacities at connection init.
func mustFIFO(size int) *FIFO {
	f, err := NewFIFO(size)
	if err != nil {
		panic(err)
	}
	return f
}

// Get removes and returns the head, or nil when empty.
func (f *FIFO) Get() *Buffer {
	if f.insertions == f.removals {
		return nil
	}
	h := f.hdr[f.removals&f.mask]
	f.removals++
	return h
}

// Peek returns the head without removing it, or nil when empty.
func (f *FIFO) Peek() *Buffer {
	if f.insertions == f.removals {
		return nil
	}
	return f.hdr[f.removals&f.mask]
}

// Empty reports whether the ring holds no buffers.
func (f *FIFO) Empty() bool {
	return f.insertions == f.removals
}

// Full reports whether the ring is at capacity.
func (f *FIFO) Full() bool {
	return f.insertions-f.removals == f.mask+1
}

// Len returns the number of queued buffers.
func (f *FIFO) Len() int {
	return int(f.insertions - f.removals)
}

// Put appends h, failing when the ring is full.
func (f *FIFO) Put(h *Buffer) bool {
	if f.insertions-f.removals > f.mask {
		return false
	}
	f.hdr[f.insertions&f.mask] = h
	f.insertions++
	return true
}

// Cancel walks the ring once, marking every buffer's context cancelled and
// asking the fabric to cancel it. Buffers stay queued until their
// completions (with cancelled status) arrive.
func (f *FIFO) Cancel(ep *fabric.Endpoint) {
	var first *Buffer
	for {
		h := f.Peek()
		if h == nil || h == first {
			break
		}
		f.Get()
		if first == nil {
			first = h
		}
		h.XFC.Cancelled = true
		if err := ep.Cancel(h); err != nil {
			fatalf("fabric cancel failed", "error", err)
		}
		f.Put(h)
	}
}
