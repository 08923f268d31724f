package httpflow

import (
	"sync"
	"sync/atomic"
)

// Allocator is a byte-buffer pool, owned by a Client and shared by all of
// its requests. It has an explicit lifecycle and is never
// hidden behind an ambient package-level static beyond the documented
// process default.
type Allocator struct {
	pool *sync.Pool
}

// NewAllocator creates a fresh Allocator. NewClient creates one per Client
// unless WithAllocator supplies another; a dedicated Allocator is useful
// for isolating buffer reuse in tests.
func NewAllocator() *Allocator {
	return &Allocator{
		pool: &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, 8192)
				return &buf
			},
		},
	}
}

// Close releases the allocator's internal pool. It does not invalidate
// chunks already handed out; those remain valid until their own refcount
// reaches zero.
func (a *Allocator) Close() {
	a.pool = &sync.Pool{}
}

// Get returns a ByteChunk with capacity for at least size bytes and a
// refcount of 1, reusing a pooled buffer when available.
func (a *Allocator) Get(size int) *ByteChunk {
	var buf []byte
	if bufp, ok := a.pool.Get().(*[]byte); ok {
		buf = *bufp
	}
	if cap(buf) < size {
		buf = make([]byte, 0, size)
	}
	return &ByteChunk{
		data:  buf[:0],
		owner: a,
		refs:  1,
	}
}

// adopt wraps already-owned bytes (e.g. a caller-supplied buffer body) in a
// ByteChunk with a refcount of 1, without pooling on release (the bytes did
// not come from this allocator's pool).
func (a *Allocator) adopt(data []byte) *ByteChunk {
	return &ByteChunk{data: data, refs: 1}
}

func (a *Allocator) put(buf []byte) {
	if a == nil || a.pool == nil {
		return
	}
	b := buf[:0]
	a.pool.Put(&b)
}

// defaultAllocator backs package-level convenience constructors
// (BufferContentBytes, TextContent). It is a process-wide collaborator with
// its own pool, not a disguise for global mutable state: it holds no
// request-specific data, only reusable byte buffers.
var defaultAllocator = NewAllocator()

// ByteChunk is an immutable view over a reference-counted byte region.
// Every chunk obtained from the transport carries an owning reference that
// must be released exactly once; chunks are never duplicated, only handed
// off.
type ByteChunk struct {
	data     []byte
	owner    *Allocator
	refs     int32
	terminal bool
}

// terminalChunk is the sentinel empty chunk the streaming handler uses to
// signal end-of-body without allocating.
var terminalChunk = &ByteChunk{terminal: true}

// Append grows the chunk's backing buffer, for use only by the single
// goroutine that currently owns it (the transport's reader).
func (c *ByteChunk) Append(b []byte) {
	c.data = append(c.data, b...)
}

// Bytes returns the chunk's current byte view. The returned slice is valid
// only until Release is called.
func (c *ByteChunk) Bytes() []byte {
	return c.data
}

// Len returns the number of bytes currently held.
func (c *ByteChunk) Len() int {
	return len(c.data)
}

// IsTerminal reports whether this chunk is the end-of-body marker rather
// than a carrier of bytes.
func (c *ByteChunk) IsTerminal() bool {
	return c == terminalChunk || c.terminal
}

// Retain increments the chunk's refcount. Use this only when the same
// chunk is legitimately being handed to two independent owners (this core
// never does so today; chunks are always single-owner handoffs, per the
// "never duplicated" invariant) - exposed for adapters that must fan a
// chunk out to multiple sinks.
func (c *ByteChunk) Retain() {
	if c.IsTerminal() {
		return
	}
	atomic.AddInt32(&c.refs, 1)
}

// Release decrements the chunk's refcount, returning its backing buffer to
// the allocator when it reaches zero. Safe to call from any goroutine.
// Releasing more references than the chunk holds (its initial one plus one
// per Retain) panics with a clear message
// rather than corrupting the pool silently, which would mask a
// double-release bug elsewhere.
func (c *ByteChunk) Release() {
	if c.IsTerminal() {
		return
	}
	n := atomic.AddInt32(&c.refs, -1)
	switch {
	case n > 0:
		return
	case n == 0:
		if c.owner != nil {
			c.owner.put(c.data)
		}
		c.data = nil
	default:
		panic("httpflow: ByteChunk released more times than retained")
	}
}
