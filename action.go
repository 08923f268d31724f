package httpflow

import (
	"bufio"
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/httpflow/httpflow/internal/pool"
	"github.com/httpflow/httpflow/internal/wire"
	"go.uber.org/zap"
)

// connPool is a Client's pool of connTransport, keyed by
// scheme+host+port+TLS identity.
type connPool = pool.Pool[*connTransport]

func newConnPool() *connPool {
	return pool.New[*connTransport](8, 90*time.Second)
}

func poolKey(uri *url.URL, tlsID string) string {
	host, port := hostPort(uri)
	return uri.Scheme + "|" + host + "|" + port + "|" + tlsID
}

func hostPort(uri *url.URL) (host, port string) {
	host = uri.Hostname()
	port = uri.Port()
	if port != "" {
		return host, port
	}
	if uri.Scheme == "https" {
		return host, "443"
	}
	return host, "80"
}

// RequestAction is the per-attempt state of one outbound request: its own
// redirect-hop counter, and the execution (here, a context plus the
// goroutine calling Execute) that owns its transport pipeline until a
// terminal outcome - success, error, or a redirect that spawns a
// successor.
type RequestAction struct {
	client *Client
	cfg    *RequestConfig
	hop    int
	corrID string
}

func newRequestAction(client *Client, cfg *RequestConfig, corrID string) *RequestAction {
	if corrID == "" {
		corrID = uuid.NewString()
	}
	return &RequestAction{client: client, cfg: cfg, corrID: corrID}
}

// Execute runs the initial attempt and every redirect hop it spawns,
// returning the StreamedResponse once a terminal (non-redirected, or
// redirect-exhausted) response arrives.
func (a *RequestAction) Execute(ctx context.Context) (*StreamedResponse, error) {
	// Exactly one owner releases the body buffer, whichever hop ends up
	// holding it: earlier hops either forward it unchanged (307/308) or
	// hand redirectMethodAndBody's drop-body branch the job of releasing
	// it, so only the final hop's leftover reference needs discarding
	// here.
	defer func() { a.cfg.Body.Discard() }()

	for {
		log := a.client.log.With(zap.String("corr_id", a.corrID), zap.Int("hop", a.hop), zap.String("uri", a.cfg.URI.String()))

		streamed, next, err := a.attempt(ctx, log)
		if err != nil {
			return nil, err
		}
		if streamed != nil {
			return streamed, nil
		}
		a.cfg = next
		a.hop++
	}
}

// attempt performs exactly one outbound request. It returns a non-nil
// StreamedResponse when the response is terminal for this Execute call, a
// non-nil next RequestConfig when a redirect should be followed, or an
// error.
func (a *RequestAction) attempt(ctx context.Context, log *zap.Logger) (*StreamedResponse, *RequestConfig, error) {
	tlsID := tlsIdentity(a.cfg.TLSConfig)
	key := poolKey(a.cfg.URI, tlsID)

	transport, err := a.client.acquireTransport(ctx, a.cfg, key)
	if err != nil {
		return nil, nil, newRequestError("connect", a.cfg.URI.String(), err)
	}

	reusable := true
	dispose := func(force bool) error {
		if force || !reusable || !transport.KeepAliveEligible() {
			return transport.Close()
		}
		a.client.pool.Put(key, transport)
		return nil
	}

	head, err := a.writeAndReadHead(ctx, transport)
	if err != nil {
		dispose(true)
		return nil, nil, err
	}
	if !head.keepAliveEligible() {
		reusable = false
	}

	if isRedirectStatus(head.StatusCode) && a.hop < a.cfg.MaxRedirects {
		next, surfaceAsIs, rerr := a.client.redirects.evaluate(a.cfg, head)
		if rerr != nil {
			dispose(true)
			return nil, nil, rerr
		}
		if !surfaceAsIs {
			a.drainAndDispose(transport, head, dispose)
			return nil, next, nil
		}
		// Decision function aborted redirect chasing: fall through and
		// surface this response exactly as a non-redirect would be.
	}

	streamed := a.deliver(ctx, transport, head, dispose, log)
	return streamed, nil, nil
}

// deliver installs the streaming response handler (and, if applicable, a
// decompression stage) on transport and starts the read-pump goroutine,
// returning the handle the caller subscribes to.
func (a *RequestAction) deliver(ctx context.Context, transport Transport, head ResponseHead, dispose func(bool) error, log *zap.Logger) *StreamedResponse {
	framing := responseFraming(a.cfg.Method, head.StatusCode, head.Headers)
	transport.BeginResponse(framing)

	handler := newResponseHandler(dispose, log)

	var headStage Stage = handler
	coding := strings.ToLower(head.Headers.Get("Content-Encoding"))
	if a.cfg.DecompressResponse && decompressionSupported(coding) {
		headStage = newDecompressStage(handler, coding, a.client.allocator, a.cfg.ResponseMaxChunkSize)
		head.Headers.Del("Content-Encoding")
		head.Headers.Del("Content-Length")
		log.Debug("inserted decompression stage", zap.String("stage", StageDecompress), zap.String("coding", coding))
	}
	transport.SetPipelineHead(headStage)
	headStage.HandleHead(head)
	transport.AutoRead(false)
	log.Debug("installed response handler", zap.String("stage", StageResponseHandler), zap.Int("status", head.StatusCode))

	// If the owning execution ends and no subscriber ever attached,
	// force-dispose and release whatever the pre-subscription queue still
	// holds. A no-op once a subscriber owns the stream.
	context.AfterFunc(ctx, handler.disposeAtExecutionEnd)

	streamed := &StreamedResponse{Head: head, handler: handler}
	go a.driveReads(ctx, transport, handler)
	return streamed
}

// driveReads pumps ReadOne calls under the backpressure contract: the
// socket is read only on subscriber demand. Before a subscriber attaches,
// the only chunks produced are decoded from bytes that arrived alongside
// the response head and already sit in the transport's in-process buffer
// (the "chunks that arrive before a consumer subscribes" the handler must
// queue); once that residue is drained the pump parks until demand.
func (a *RequestAction) driveReads(ctx context.Context, transport Transport, handler *responseHandler) {
	for {
		if handler.readingDone() {
			return
		}
		mustWait := true
		if handler.currentState() == stateBufferingPreSubscribe && transport.BufferedInbound() > 0 {
			mustWait = false
		}
		if mustWait {
			if !handler.gate.wait(ctx) {
				handler.cancel()
				return
			}
		}
		if err := transport.ReadOne(ctx); err != nil {
			return
		}
	}
}

// drainAndDispose fully drains and releases a redirected response's body
// (it is never surfaced), then disposes the pipeline.
func (a *RequestAction) drainAndDispose(transport Transport, head ResponseHead, dispose func(bool) error) {
	framing := responseFraming(a.cfg.Method, head.StatusCode, head.Headers)
	transport.BeginResponse(framing)
	drain := &drainStage{}
	transport.SetPipelineHead(drain)
	for !drain.done {
		if err := transport.ReadOne(context.Background()); err != nil {
			dispose(true)
			return
		}
	}
	dispose(framing.Kind == FramingUntilClose)
}

// drainStage discards a redirected response's body; chunks are released
// immediately and never surfaced to any caller.
type drainStage struct {
	done bool
}

func (d *drainStage) HandleHead(ResponseHead) {}
func (d *drainStage) HandleChunk(chunk *ByteChunk) {
	if chunk.IsTerminal() {
		d.done = true
		return
	}
	chunk.Release()
}
func (d *drainStage) HandleError(error) { d.done = true }

func isRedirectStatus(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// responseFraming derives the body framing from the response head,
// applying the usual HTTP/1.1 precedence: no-body statuses/methods, then
// chunked, then Content-Length, then until-close.
func responseFraming(method string, statusCode int, headers *Headers) ResponseFraming {
	if method == "HEAD" || statusCode == 204 || statusCode == 304 || (statusCode >= 100 && statusCode <= 199) {
		return ResponseFraming{Kind: FramingContentLength, Length: 0}
	}
	for _, te := range headers.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return ResponseFraming{Kind: FramingChunked}
		}
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			return ResponseFraming{Kind: FramingContentLength, Length: n}
		}
	}
	return ResponseFraming{Kind: FramingUntilClose}
}

// writeAndReadHead writes the request line, headers and body (honoring
// Expect: 100-continue), arms the read timeout, and blocks for the
// response head.
func (a *RequestAction) writeAndReadHead(ctx context.Context, transport Transport) (ResponseHead, error) {
	w := transport.Writer()

	requestURI := a.cfg.URI.RequestURI()
	if err := wire.WriteRequestLine(w, a.cfg.Method, requestURI); err != nil {
		return ResponseHead{}, newRequestError("write", a.cfg.URI.String(), err)
	}
	if err := wire.WriteHeaders(w, a.headerFields()); err != nil {
		return ResponseHead{}, newRequestError("write", a.cfg.URI.String(), err)
	}

	if a.cfg.Headers.Get("Expect") == "100-continue" {
		if err := w.Flush(); err != nil {
			return ResponseHead{}, newRequestError("write", a.cfg.URI.String(), err)
		}
		transport.ArmReadTimeout(1 * time.Second)
		head, err := transport.ReadHead(ctx)
		if err == nil && head.StatusCode != 100 {
			// The server answered without waiting for the body; this head
			// is the final response. Nothing left to write.
			return head, nil
		}
		// A genuine 100 Continue, or a timeout: either way, write the body.
	}

	if err := a.writeBody(w); err != nil {
		return ResponseHead{}, err
	}
	if err := w.Flush(); err != nil {
		return ResponseHead{}, newRequestError("write", a.cfg.URI.String(), err)
	}

	transport.ArmReadTimeout(a.cfg.ReadTimeout)
	head, err := transport.ReadHead(ctx)
	if err != nil {
		return ResponseHead{}, err
	}
	return head, nil
}

func (a *RequestAction) headerFields() []wire.HeaderField {
	fields := make([]wire.HeaderField, 0, a.cfg.Headers.Len()+3)
	a.cfg.Headers.Each(func(key, value string) {
		fields = append(fields, wire.HeaderField{Name: key, Value: value})
	})
	if !a.cfg.Headers.Has("Host") {
		fields = append(fields, wire.HeaderField{Name: "Host", Value: a.cfg.URI.Host})
	}
	switch a.cfg.Body.Kind() {
	case ContentBuffer, ContentStreamKnown:
		if !a.cfg.Headers.Has("Content-Length") {
			fields = append(fields, wire.HeaderField{Name: "Content-Length", Value: strconv.FormatInt(a.cfg.Body.Length(), 10)})
		}
	case ContentStreamUnknown:
		if !a.cfg.Headers.Has("Transfer-Encoding") {
			fields = append(fields, wire.HeaderField{Name: "Transfer-Encoding", Value: "chunked"})
		}
	}
	if a.cfg.DecompressResponse && !a.cfg.Headers.Has("Accept-Encoding") {
		fields = append(fields, wire.HeaderField{Name: "Accept-Encoding", Value: "gzip, deflate"})
	}
	return fields
}

// writeBody writes the request body: Buffer in one operation without
// releasing it (a 307/308 redirect may need to write it again; the buffer
// is released by Execute's deferred Discard, or earlier by a redirect that
// drops the body), StreamKnown
// capped at its declared length with a shortage failing as
// ErrIncompleteBody, StreamUnknown emitted chunked.
func (a *RequestAction) writeBody(w *bufio.Writer) error {
	switch a.cfg.Body.Kind() {
	case ContentEmpty:
		return nil

	case ContentBuffer:
		chunk := a.cfg.Body.peekBuffer()
		if chunk == nil {
			return nil
		}
		if _, err := w.Write(chunk.Bytes()); err != nil {
			return newRequestError("write", a.cfg.URI.String(), err)
		}
		return nil

	case ContentStreamKnown:
		source := a.cfg.Body.peekSource()
		length := a.cfg.Body.Length()
		r, err := source.Open()
		if err != nil {
			return newRequestError("write", a.cfg.URI.String(), err)
		}
		defer r.Close()
		n, err := io.Copy(w, io.LimitReader(r, length))
		if err != nil {
			return newRequestError("write", a.cfg.URI.String(), err)
		}
		if n < length {
			return newRequestError("write", a.cfg.URI.String(), ErrIncompleteBody)
		}
		return nil

	case ContentStreamUnknown:
		source := a.cfg.Body.peekSource()
		r, err := source.Open()
		if err != nil {
			return newRequestError("write", a.cfg.URI.String(), err)
		}
		defer r.Close()
		cw := wire.NewChunkedWriter(w)
		if _, err := io.Copy(cw, r); err != nil {
			return newRequestError("write", a.cfg.URI.String(), err)
		}
		if err := cw.Close(); err != nil {
			return newRequestError("write", a.cfg.URI.String(), err)
		}
		return nil

	default:
		return nil
	}
}
