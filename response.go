package httpflow

import "strconv"

// ResponseHead is the status line and headers of a response, delivered
// synchronously to the caller as soon as they arrive.
type ResponseHead struct {
	StatusCode int
	Reason     string
	Headers    *Headers
}

// stripContentLengthIfInformational enforces the invariant that
// informational (1xx) and 204 statuses never expose Content-Length.
func (h *ResponseHead) stripContentLengthIfInformational() {
	if (h.StatusCode >= 100 && h.StatusCode <= 199) || h.StatusCode == 204 {
		h.Headers.Del("Content-Length")
	}
}

// keepAliveEligible reports whether the connection may be returned to the
// pool after this response: no "Connection: close", and (checked by the
// caller) the body was fully drained with known framing. The response's
// HTTP version is not recorded in ResponseHead and is not consulted.
func (h *ResponseHead) keepAliveEligible() bool {
	for _, v := range h.Headers.Values("Connection") {
		if equalFoldASCII(v, "close") {
			return false
		}
	}
	return true
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ChunkSink is the subscriber-owned write end that receives chunks with
// flow control. The client supplies one implicitly to itself for buffered
// Fetch; streaming callers provide their own via
// StreamedResponse.Subscribe.
type ChunkSink interface {
	// CurrentDemand returns the number of additional chunks the sink is
	// currently willing to accept.
	CurrentDemand() int64

	// Send delivers ownership of chunk to the sink. The sink must Release
	// it eventually (directly, or through a component it hands the chunk
	// to). Returns false if the sink has cancelled and no further chunks
	// should be delivered.
	Send(chunk *ByteChunk) bool

	// Complete signals normal end-of-body. Called at most once, and never
	// after Fail.
	Complete()

	// Fail signals an error completion. Called at most once, and never
	// after Complete.
	Fail(err error)
}

// Subscription is handed to a ChunkSink's owner on attach so it can pull
// more data or cancel the stream.
type Subscription struct {
	gate   *demandGate
	cancel func()
}

// Request increments demand by n, causing the transport to issue up to n
// additional read-one cycles as capacity allows.
func (s *Subscription) Request(n int64) {
	s.gate.add(n)
}

// Cancel force-disposes the underlying pipeline synchronously; no further
// chunks are delivered.
func (s *Subscription) Cancel() {
	s.cancel()
}

// StreamedResponse is the live handle created once response headers
// arrive. It must be consumed by exactly one subscriber via Subscribe (or
// its convenience wrappers) or discarded, which triggers force-dispose of
// the transport and release of any chunks buffered during the
// pre-subscription window.
type StreamedResponse struct {
	Head    ResponseHead
	handler *responseHandler
}

// Subscribe attaches sink as the single consumer of the response body.
// Calling Subscribe more than once panics - a body has exactly one
// consumer, and a second subscriber is a programming error, not a runtime
// condition to recover from.
func (sr *StreamedResponse) Subscribe(sink ChunkSink) *Subscription {
	return sr.handler.attach(sink)
}

// Discard abandons the response without subscribing: the transport is
// force-disposed and any chunks buffered during the pre-subscription
// window are released. A no-op once a subscriber has attached or the
// stream already terminated.
func (sr *StreamedResponse) Discard() {
	sr.handler.disposeAtExecutionEnd()
}

// ReceivedResponse is the buffered counterpart of StreamedResponse,
// returned by Client.Fetch once the whole body has been collected under
// the configured maximum response length.
type ReceivedResponse struct {
	Head ResponseHead
	Body []byte
}

// String renders a short diagnostic summary.
func (h ResponseHead) String() string {
	return strconv.Itoa(h.StatusCode) + " " + h.Reason
}
