package httpflow

import "io"

// ContentKind classifies a request body.
type ContentKind int

const (
	// ContentEmpty carries no body.
	ContentEmpty ContentKind = iota
	// ContentBuffer carries a single in-memory reference-counted buffer.
	ContentBuffer
	// ContentStreamKnown carries a stream source of a declared length.
	ContentStreamKnown
	// ContentStreamUnknown carries a stream source of unknown length,
	// requiring chunked transfer-encoding.
	ContentStreamUnknown
)

// BodySource is a restartable byte source for streamed request bodies. A
// redirect that must replay the body calls Open a second time;
// implementations backing a single-shot source should return ErrProtocol
// on the second call rather than silently sending truncated data.
type BodySource interface {
	// Open returns a fresh reader positioned at the start of the body.
	Open() (io.ReadCloser, error)
}

// Content is a request body in one of four forms: Empty, Buffer,
// StreamKnown, or StreamUnknown. A zero Content is ContentEmpty.
//
// Invariant: only Buffer and StreamKnown set Content-Length; StreamUnknown
// requires chunked framing. A Buffer content owns exactly one reference to
// its bytes until the request is fully written or explicitly discarded.
type Content struct {
	kind   ContentKind
	buffer *ByteChunk
	source BodySource
	length int64 // -1 when unknown
}

// EmptyContent returns a Content carrying no body.
func EmptyContent() Content {
	return Content{kind: ContentEmpty, length: 0}
}

// BufferContent returns a Content that owns chunk for the life of the
// request (or until Discard is called). The caller transfers its reference
// to the returned Content.
func BufferContent(chunk *ByteChunk) Content {
	return Content{kind: ContentBuffer, buffer: chunk, length: int64(chunk.Len())}
}

// BufferContentBytes wraps data, without copying it, in a ByteChunk that is
// not returned to any pool on release, and wraps that as Buffer content. Use BufferContent directly when
// you already hold a chunk (e.g. one reused across retries).
func BufferContentBytes(data []byte) Content {
	chunk := defaultAllocator.adopt(data)
	return BufferContent(chunk)
}

// TextContent returns Buffer content for s, encoded as UTF-8.
func TextContent(s string) Content {
	return BufferContentBytes([]byte(s))
}

// StreamKnownContent returns a Content that reads from source, declaring
// length bytes. length must be > 0 (validated by BuildRequestConfig).
func StreamKnownContent(source BodySource, length int64) Content {
	return Content{kind: ContentStreamKnown, source: source, length: length}
}

// StreamUnknownContent returns a Content that reads from source until EOF,
// written using chunked transfer-encoding.
func StreamUnknownContent(source BodySource) Content {
	return Content{kind: ContentStreamUnknown, source: source, length: -1}
}

// Kind reports the variant of c.
func (c Content) Kind() ContentKind {
	return c.kind
}

// Length returns the declared body length, or -1 when unknown (Empty
// reports 0).
func (c Content) Length() int64 {
	if c.kind == ContentEmpty {
		return 0
	}
	return c.length
}

// TakeBuffer returns the owned chunk for Buffer content and clears it from
// c, transferring ownership to the caller. Valid only when Kind ==
// ContentBuffer; otherwise returns nil.
func (c *Content) TakeBuffer() *ByteChunk {
	if c.kind != ContentBuffer {
		return nil
	}
	chunk := c.buffer
	c.buffer = nil
	return chunk
}

// TakeSource returns the body source for stream content. Valid only when
// Kind is ContentStreamKnown or ContentStreamUnknown; otherwise returns
// nil.
func (c *Content) TakeSource() BodySource {
	if c.kind != ContentStreamKnown && c.kind != ContentStreamUnknown {
		return nil
	}
	return c.source
}

// peekBuffer returns the owned chunk for Buffer content without clearing
// it, so a redirect that preserves the body (307/308) can write it again
// on the next hop.
func (c *Content) peekBuffer() *ByteChunk {
	if c.kind != ContentBuffer {
		return nil
	}
	return c.buffer
}

// peekSource returns the body source without clearing it, for the same
// reason as peekBuffer.
func (c *Content) peekSource() BodySource {
	if c.kind != ContentStreamKnown && c.kind != ContentStreamUnknown {
		return nil
	}
	return c.source
}

// Discard releases any bytes held by c. Safe to call any number of times;
// the underlying buffer is released exactly once.
func (c *Content) Discard() {
	if c.buffer != nil {
		c.buffer.Release()
		c.buffer = nil
	}
}
