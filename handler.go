package httpflow

import (
	"sync"

	"go.uber.org/zap"
)

type handlerState int

const (
	stateAwaitHead handlerState = iota
	stateBufferingPreSubscribe
	stateStreaming
	stateDrained
	stateErrored
)

// responseHandler is the per-response streaming state machine. It
// implements Stage and is installed on the transport as its pipeline head
// (or behind a decompression stage) for the life of one response.
//
// All mutable state is guarded by mu because two independent goroutines
// touch this handler: the transport's read pump and whatever goroutine the
// caller subscribes or cancels from.
type responseHandler struct {
	mu    sync.Mutex
	state handlerState

	queue          []*ByteChunk // pre-subscription buffer, arrival order
	terminalQueued bool
	sink           ChunkSink
	sub            *Subscription

	gate     *demandGate
	disposed bool

	// termErr is the decorated error that ended the response, kept so a
	// subscriber attaching after the failure still receives the real
	// cause instead of a generic closed-transport error.
	termErr error

	dispose func(force bool) error
	log     *zap.Logger
}

func newResponseHandler(dispose func(force bool) error, log *zap.Logger) *responseHandler {
	return &responseHandler{
		state:   stateAwaitHead,
		gate:    newDemandGate(),
		dispose: dispose,
		log:     log,
	}
}

// HandleHead implements Stage. It strips Content-Length for informational/
// 204 responses and transitions to BufferingPreSubscribe. The caller
// (RequestAction) disables transport auto-read and delivers the
// StreamedResponse handle synchronously right after this returns.
func (h *responseHandler) HandleHead(head ResponseHead) {
	head.stripContentLengthIfInformational()

	h.mu.Lock()
	h.state = stateBufferingPreSubscribe
	h.mu.Unlock()
}

// HandleChunk implements Stage.
func (h *responseHandler) HandleChunk(chunk *ByteChunk) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateBufferingPreSubscribe:
		h.handleBufferingChunkLocked(chunk)
	case stateStreaming:
		h.handleStreamingChunkLocked(chunk)
	default:
		// Drained/Errored/AwaitHead: nothing should arrive here; release
		// defensively so a misbehaving transport can't leak.
		chunk.Release()
	}
}

func (h *responseHandler) handleBufferingChunkLocked(chunk *ByteChunk) {
	if chunk.IsTerminal() {
		h.queue = append(h.queue, chunk)
		h.terminalQueued = true
		h.disposeLocked(false)
		return
	}
	if chunk.Len() == 0 {
		chunk.Release()
		return
	}
	h.queue = append(h.queue, chunk)
}

func (h *responseHandler) handleStreamingChunkLocked(chunk *ByteChunk) {
	if chunk.IsTerminal() {
		h.disposeLocked(false)
		h.state = stateDrained
		sink := h.sink
		h.mu.Unlock()
		sink.Complete()
		h.mu.Lock()
		return
	}
	if chunk.Len() == 0 {
		chunk.Release()
		return
	}

	sink := h.sink
	h.mu.Unlock()
	ok := sink.Send(chunk)
	h.mu.Lock()

	if !ok {
		// Subscriber already cancelled; the Cancel path disposes.
		return
	}
	// The driving read pump re-checks demand before its next ReadOne
	// call, so another read is requested only while demand remains
	// positive.
}

// HandleError implements Stage.
func (h *responseHandler) HandleError(err error) {
	h.mu.Lock()

	if h.state == stateDrained || h.state == stateErrored {
		h.mu.Unlock()
		return
	}

	// Chunks still queued pre-subscription are released on force-dispose;
	// they are never surfaced after an error.
	for _, c := range h.queue {
		c.Release()
	}
	h.queue = nil

	disposeErr := h.disposeLocked(true)
	decorated := newRequestError("read", "", err)
	var finalErr error = decorated
	if disposeErr != nil {
		finalErr = attachSuppressed(decorated, disposeErr)
	}

	h.state = stateErrored
	h.termErr = finalErr
	sink := h.sink
	h.mu.Unlock()

	if sink != nil {
		sink.Fail(finalErr)
	}
	// If no subscriber ever attached, the error is only observable by a
	// caller that already obtained the StreamedResponse and subscribes
	// later; RequestAction surfaces earlier (pre-head) errors directly to
	// its own caller instead of through this handler.
}

// currentState returns the handler's state under lock, for the driving
// read-loop to decide whether to gate on demand.
func (h *responseHandler) currentState() handlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// readingDone reports whether the read-pump has nothing left to pull: the
// body reached its terminal chunk (possibly still sitting in the
// pre-subscription queue) or the response ended in error/cancellation.
func (h *responseHandler) readingDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminalQueued || h.state == stateDrained || h.state == stateErrored
}

// attach implements StreamedResponse.Subscribe. It flushes any
// pre-subscription queue into sink and transitions BufferingPreSubscribe
// -> Streaming (or -> Drained if the queue already held the terminal
// chunk).
func (h *responseHandler) attach(sink ChunkSink) *Subscription {
	h.mu.Lock()

	if h.sink != nil {
		h.mu.Unlock()
		panic("httpflow: StreamedResponse already has a subscriber")
	}
	h.sink = sink

	sub := &Subscription{gate: h.gate, cancel: h.cancel}
	h.sub = sub

	if h.state == stateErrored {
		err := h.termErr
		if err == nil {
			err = newRequestError("read", "", ErrTransportClosed)
		}
		h.mu.Unlock()
		sink.Fail(err)
		return sub
	}

	queue := h.queue
	h.queue = nil
	sawTerminal := false
	rejected := false
	for len(queue) > 0 {
		for _, c := range queue {
			if c.IsTerminal() {
				sawTerminal = true
				continue
			}
			if rejected {
				c.Release()
				continue
			}
			h.mu.Unlock()
			ok := sink.Send(c)
			h.mu.Lock()
			if !ok || h.state == stateErrored {
				rejected = true
			}
		}
		// Chunks the read pump decoded while a Send ran unlocked landed
		// back on the queue; drain those too before switching states.
		queue = h.queue
		h.queue = nil
	}

	if h.state == stateErrored {
		// The sink cancelled during the flush; the cancel path already
		// disposed and the sink owns its own terminal signal.
		h.mu.Unlock()
		return sub
	}

	if sawTerminal && !rejected {
		h.state = stateDrained
		h.mu.Unlock()
		sink.Complete()
		return sub
	}

	h.state = stateStreaming
	h.mu.Unlock()
	return sub
}

// cancel implements Subscription.Cancel: force-dispose synchronously, no
// further chunks delivered.
func (h *responseHandler) cancel() {
	h.mu.Lock()
	if h.state == stateDrained || h.state == stateErrored {
		h.mu.Unlock()
		return
	}
	h.state = stateErrored
	for _, c := range h.queue {
		c.Release()
	}
	h.queue = nil
	h.disposeLocked(true)
	h.gate.close()
	h.mu.Unlock()
}

// disposeAtExecutionEnd is invoked when the owning execution's context
// ends while no subscriber has ever attached: the pipeline is
// force-disposed and any buffered chunks are released.
func (h *responseHandler) disposeAtExecutionEnd() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sink != nil || h.state == stateDrained || h.state == stateErrored {
		return
	}
	for _, c := range h.queue {
		c.Release()
	}
	h.queue = nil
	h.disposeLocked(true)
	h.state = stateErrored
	h.termErr = newRequestError("read", "", ErrCancelled)
}

// disposeLocked performs disposal at most once and logs a secondary
// failure rather than dropping it. Caller holds h.mu.
func (h *responseHandler) disposeLocked(force bool) error {
	if h.disposed {
		return nil
	}
	h.disposed = true
	if h.dispose == nil {
		return nil
	}
	err := h.dispose(force)
	if err != nil && h.log != nil {
		h.log.Debug("pipeline disposal reported a secondary failure", zap.Error(err))
	}
	return err
}
