package httpflow

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/httpflow/httpflow/internal/wire"
)

// Transport is the per-connection contract the client core rides on: a
// blocking net.Conn carries the request and response of one execution
// (and, once released back to the pool, of later executions reusing the
// same connection). Auto-read toggling and ReadOne express
// backpressure-driven reads without a callback-based I/O runtime
// underneath.
type Transport interface {
	// AutoRead records whether the transport may read without an explicit
	// ReadOne. connTransport has no unattended read loop: with either
	// setting, bytes leave the socket only through ReadHead and ReadOne.
	AutoRead(on bool)

	// ReadOne performs one body decode cycle and feeds any decoded chunk
	// (then the terminal marker if the body ended, or an error) to the
	// current pipeline head. A cycle decodes at most one chunk, regardless
	// of how much buffered data exists, so the caller can pace reads
	// against subscriber demand.
	ReadOne(ctx context.Context) error

	// SetPipelineHead installs the Stage that receives HandleHead/
	// HandleChunk/HandleError calls. Swapping it inserts or removes
	// processing stages, e.g. a decompression stage in front of the
	// response handler.
	SetPipelineHead(stage Stage)

	// Writer exposes the buffered connection writer so RequestAction can
	// write the request line, headers and body directly.
	Writer() *bufio.Writer

	// BeginResponse switches the transport into response-framing mode:
	// everything read after this call is decoded as the response body
	// using the given framing, rather than treated as unstructured bytes.
	BeginResponse(framing ResponseFraming)

	// ArmReadTimeout (re)starts the idle-read timer; firing it surfaces
	// ErrReadTimeout through HandleError.
	ArmReadTimeout(d time.Duration)

	// Close tears the connection down immediately. The clean alternative
	// to closing is returning the transport to the pool, which the
	// disposal path chooses when the response was keep-alive eligible.
	Close() error

	// KeepAliveEligible reports whether the last response's framing
	// allows the connection to be pooled (consulted only after the body
	// has fully drained).
	KeepAliveEligible() bool

	// BufferedInbound reports how many inbound bytes are already buffered
	// in process and decodable without touching the socket. Chunks built
	// from these bytes are the only ones that may be produced before a
	// subscriber's demand arrives.
	BufferedInbound() int

	// ReadHead blocks for the status line and header block of one
	// response. It does not read any body bytes; BeginResponse must be
	// called afterward to select body framing before ReadOne is used.
	ReadHead(ctx context.Context) (ResponseHead, error)

	// Alive reports whether the connection is still usable for a new
	// lease from the pool.
	Alive() bool
}

// ResponseFraming tells the transport how to delimit the response body
// once headers are known: declared length, chunked, or until-close.
type ResponseFraming struct {
	Kind   FramingKind
	Length int64 // meaningful only when Kind == FramingContentLength
}

type FramingKind int

const (
	FramingNone FramingKind = iota
	FramingContentLength
	FramingChunked
	FramingUntilClose
)

var _ Transport = (*connTransport)(nil)

// connTransport is the concrete Transport over a raw net.Conn: a buffered
// reader/writer pair with deadline-driven timeouts, decoding the response
// body one read cycle at a time.
type connTransport struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	mu       sync.Mutex
	autoRead bool
	head     Stage
	closed   bool

	bodyReader interface {
		Read(p []byte) (int, error)
	}
	framing ResponseFraming

	readTimeout time.Duration
	readTimer   *time.Timer

	allocator *Allocator
	chunkSize int

	keepAliveEligible bool
}

// newConnTransport dials a connection. tlsConfig is nil for plain HTTP.
func newConnTransport(ctx context.Context, network, addr string, connectTimeout time.Duration, tlsConfig *tls.Config, allocator *Allocator, chunkSize int) (*connTransport, error) {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = errors.Join(ErrConnectTimeout, err)
		}
		return nil, newRequestError("connect", addr, err)
	}
	if tlsConfig != nil {
		tlsConn := tls.Client(conn, tlsConfig)
		hctx := ctx
		if connectTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, connectTimeout)
			defer cancel()
		}
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			conn.Close()
			if hctx.Err() != nil {
				err = errors.Join(ErrConnectTimeout, err)
			}
			return nil, newRequestError("tls", addr, errors.Join(ErrTLS, err))
		}
		conn = tlsConn
	}
	return &connTransport{
		conn:      conn,
		br:        bufio.NewReader(conn),
		bw:        bufio.NewWriter(conn),
		allocator: allocator,
		chunkSize: chunkSize,
	}, nil
}

func (t *connTransport) Writer() *bufio.Writer { return t.bw }

func (t *connTransport) SetPipelineHead(stage Stage) {
	t.mu.Lock()
	t.head = stage
	t.mu.Unlock()
}

func (t *connTransport) AutoRead(on bool) {
	t.mu.Lock()
	t.autoRead = on
	t.mu.Unlock()
}

func (t *connTransport) BeginResponse(framing ResponseFraming) {
	t.framing = framing
	switch framing.Kind {
	case FramingContentLength:
		t.bodyReader = wire.NewContentLengthReader(t.br, framing.Length)
		t.keepAliveEligible = true
	case FramingChunked:
		t.bodyReader = wire.NewChunkedReader(t.br)
		t.keepAliveEligible = true
	case FramingUntilClose:
		t.bodyReader = wire.NewUntilCloseReader(t.br)
		t.keepAliveEligible = false
	default:
		t.bodyReader = nil
	}
}

func (t *connTransport) KeepAliveEligible() bool { return t.keepAliveEligible }

func (t *connTransport) BufferedInbound() int { return t.br.Buffered() }

// ReadHead reads and parses the status line and header block. ctx is not
// consulted; the caller bounds the wait with ArmReadTimeout beforehand, and
// this method itself performs a single blocking parse pass.
func (t *connTransport) ReadHead(ctx context.Context) (ResponseHead, error) {
	tp := wire.NewTextprotoReader(t.br)
	status, err := wire.ReadStatusLine(tp)
	if err != nil {
		return ResponseHead{}, classifyReadError(err)
	}
	fields, err := wire.ReadHeaderFields(tp)
	if err != nil {
		return ResponseHead{}, classifyReadError(err)
	}
	headers := NewHeaders()
	for _, f := range fields {
		headers.Add(f.Name, f.Value)
	}
	return ResponseHead{StatusCode: status.StatusCode, Reason: status.Reason, Headers: headers}, nil
}

// Alive implements pool.Conn: a pooled transport is reusable as long as it
// has not been closed and a zero-deadline probe doesn't observe EOF (the
// peer half-closing an idle connection). A timeout from the probe means no
// data is pending, which is the healthy idle case. The probe peeks through
// the buffered reader rather than reading the socket directly, so a byte
// the peer sent while the connection sat idle stays buffered for the next
// lease instead of being consumed here.
func (t *connTransport) Alive() bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	if t.br.Buffered() > 0 {
		return true
	}
	t.conn.SetReadDeadline(time.Now())
	_, err := t.br.Peek(1)
	t.conn.SetReadDeadline(time.Time{})
	if err == nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func (t *connTransport) ArmReadTimeout(d time.Duration) {
	t.readTimeout = d
	if d <= 0 {
		t.conn.SetReadDeadline(time.Time{})
		return
	}
	t.conn.SetReadDeadline(time.Now().Add(d))
}

// ReadOne performs exactly one decode cycle: one bufio.Reader.Read call for
// body bytes (at most one underlying conn.Read when its buffer is empty,
// and zero when data is already buffered), translated into a
// chunk/terminal/error delivery to the pipeline head. With chunked framing
// the cycle may also read a chunk-size line, which can take further
// conn.Reads when the line is not yet fully buffered.
func (t *connTransport) ReadOne(ctx context.Context) error {
	t.mu.Lock()
	head := t.head
	reader := t.bodyReader
	t.mu.Unlock()

	if head == nil || reader == nil {
		return nil
	}

	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}

	chunk := t.allocator.Get(t.chunkSize)
	buf := chunk.Bytes()[:cap(chunk.Bytes())]
	if t.chunkSize > 0 && len(buf) > t.chunkSize {
		// A pooled buffer may be larger than the configured chunk size.
		buf = buf[:t.chunkSize]
	}
	n, err := reader.Read(buf)
	chunk.data = chunk.data[:n]

	if n > 0 {
		head.HandleChunk(chunk)
	} else {
		chunk.Release()
	}

	switch err {
	case nil:
		return nil
	default:
		if isEOFFraming(err) {
			head.HandleChunk(terminalChunk)
			return nil
		}
		wrapped := classifyReadError(err)
		head.HandleError(wrapped)
		return wrapped
	}
}

func (t *connTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

// isEOFFraming reports whether err is the expected terminal condition for
// the active body framing (content-length and chunked readers signal their
// own end via io.EOF; until-close framing ends the same way when the peer
// half-closes).
func isEOFFraming(err error) bool {
	return errors.Is(err, io.EOF)
}

// classifyReadError maps a raw read failure onto the package's sentinel
// errors.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newRequestError("read", "", errors.Join(ErrReadTimeout, err))
	}
	if errors.Is(err, wire.ErrMalformedChunk) {
		return newRequestError("read", "", errors.Join(ErrProtocol, err))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return newRequestError("read", "", errors.Join(ErrTransportClosed, err))
	}
	return newRequestError("read", "", errors.Join(ErrTransportClosed, err))
}
