package httpflow

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// testSink records everything pushed into it and counts terminal signals,
// for asserting the at-most-once-terminal invariant.
type testSink struct {
	mu        sync.Mutex
	data      [][]byte
	completes int
	fails     []error
	rejectAll bool
}

func (s *testSink) CurrentDemand() int64 { return 1 << 20 }

func (s *testSink) Send(chunk *ByteChunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAll {
		chunk.Release()
		return false
	}
	b := make([]byte, chunk.Len())
	copy(b, chunk.Bytes())
	s.data = append(s.data, b)
	chunk.Release()
	return true
}

func (s *testSink) Complete() {
	s.mu.Lock()
	s.completes++
	s.mu.Unlock()
}

func (s *testSink) Fail(err error) {
	s.mu.Lock()
	s.fails = append(s.fails, err)
	s.mu.Unlock()
}

func (s *testSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.data))
	for i, b := range s.data {
		out[i] = string(b)
	}
	return out
}

type disposeRecorder struct {
	calls  int
	forced bool
	err    error
}

func (d *disposeRecorder) fn(force bool) error {
	d.calls++
	if force {
		d.forced = true
	}
	return d.err
}

func testHead(status int) ResponseHead {
	return ResponseHead{StatusCode: status, Reason: "OK", Headers: NewHeaders()}
}

func TestHandlerBuffersUntilSubscribe(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	c1 := defaultAllocator.adopt([]byte("ab"))
	c2 := defaultAllocator.adopt([]byte("cd"))
	empty := defaultAllocator.adopt([]byte{})
	h.HandleChunk(c1)
	h.HandleChunk(empty)
	h.HandleChunk(c2)

	if got := atomic.LoadInt32(&empty.refs); got != 0 {
		t.Fatalf("empty non-terminal chunk refs = %d, want released immediately", got)
	}

	h.HandleChunk(terminalChunk)
	if d.calls != 1 || d.forced {
		t.Fatalf("dispose calls=%d forced=%v, want one clean disposal at terminal", d.calls, d.forced)
	}
	if !h.readingDone() {
		t.Fatal("readingDone = false after terminal queued")
	}

	sink := &testSink{}
	h.attach(sink)

	if got := sink.received(); len(got) != 2 || got[0] != "ab" || got[1] != "cd" {
		t.Fatalf("flushed chunks = %v, want [ab cd] in arrival order", got)
	}
	if sink.completes != 1 || len(sink.fails) != 0 {
		t.Fatalf("terminal signals completes=%d fails=%d, want exactly one complete", sink.completes, len(sink.fails))
	}
	if atomic.LoadInt32(&c1.refs) != 0 || atomic.LoadInt32(&c2.refs) != 0 {
		t.Fatal("flushed chunks not fully released")
	}
}

func TestHandlerStreamingDelivery(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	sink := &testSink{}
	h.attach(sink)

	c := defaultAllocator.adopt([]byte("live"))
	h.HandleChunk(c)
	h.HandleChunk(terminalChunk)

	if got := sink.received(); len(got) != 1 || got[0] != "live" {
		t.Fatalf("streamed chunks = %v, want [live]", got)
	}
	if sink.completes != 1 {
		t.Fatalf("completes = %d, want 1", sink.completes)
	}
	if d.calls != 1 || d.forced {
		t.Fatalf("dispose calls=%d forced=%v, want one clean disposal", d.calls, d.forced)
	}
}

func TestHandlerErrorReleasesQueueAndForceDisposes(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	c := defaultAllocator.adopt([]byte("buffered"))
	h.HandleChunk(c)

	boom := errors.New("boom")
	h.HandleError(boom)

	if got := atomic.LoadInt32(&c.refs); got != 0 {
		t.Fatalf("queued chunk refs = %d, want released on error", got)
	}
	if !d.forced {
		t.Fatal("error did not force-dispose")
	}

	// A subscriber attaching after the failure still learns the real cause.
	sink := &testSink{}
	h.attach(sink)
	if len(sink.fails) != 1 || !errors.Is(sink.fails[0], boom) {
		t.Fatalf("late subscriber fails = %v, want the original cause", sink.fails)
	}
}

func TestHandlerErrorAfterSubscribeFailsSink(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	sink := &testSink{}
	h.attach(sink)
	h.HandleError(errors.New("mid-stream"))

	if len(sink.fails) != 1 || sink.completes != 0 {
		t.Fatalf("fails=%d completes=%d, want exactly one fail", len(sink.fails), sink.completes)
	}

	// Terminal signals after the error must be swallowed.
	h.HandleError(errors.New("second"))
	h.HandleChunk(terminalChunk)
	if len(sink.fails) != 1 || sink.completes != 0 {
		t.Fatal("more than one terminal signal reached the sink")
	}
}

func TestHandlerDisposalFailureAttachedAsSuppressed(t *testing.T) {
	disposeErr := errors.New("close failed")
	d := &disposeRecorder{err: disposeErr}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	sink := &testSink{}
	h.attach(sink)

	boom := errors.New("boom")
	h.HandleError(boom)

	if len(sink.fails) != 1 {
		t.Fatalf("fails = %d, want 1", len(sink.fails))
	}
	if !errors.Is(sink.fails[0], boom) {
		t.Errorf("primary cause lost: %v", sink.fails[0])
	}
	if !errors.Is(sink.fails[0], disposeErr) {
		t.Errorf("disposal failure not attached: %v", sink.fails[0])
	}
}

func TestHandlerCancelReleasesQueue(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	c := defaultAllocator.adopt([]byte("pending"))
	h.HandleChunk(c)
	h.cancel()

	if got := atomic.LoadInt32(&c.refs); got != 0 {
		t.Fatalf("queued chunk refs = %d, want released on cancel", got)
	}
	if !d.forced {
		t.Fatal("cancel did not force-dispose")
	}

	// Chunks arriving after cancellation are released, not queued.
	late := defaultAllocator.adopt([]byte("late"))
	h.HandleChunk(late)
	if got := atomic.LoadInt32(&late.refs); got != 0 {
		t.Fatalf("post-cancel chunk refs = %d, want 0", got)
	}
}

func TestHandlerDisposeAtExecutionEnd(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	c1 := defaultAllocator.adopt([]byte("one"))
	c2 := defaultAllocator.adopt([]byte("two"))
	h.HandleChunk(c1)
	h.HandleChunk(c2)

	h.disposeAtExecutionEnd()

	if atomic.LoadInt32(&c1.refs) != 0 || atomic.LoadInt32(&c2.refs) != 0 {
		t.Fatal("buffered chunks not released at execution end")
	}
	if !d.forced {
		t.Fatal("execution end without subscriber did not force-dispose")
	}

	sink := &testSink{}
	h.attach(sink)
	if len(sink.fails) != 1 || !errors.Is(sink.fails[0], ErrCancelled) {
		t.Fatalf("late subscriber fails = %v, want ErrCancelled", sink.fails)
	}
}

func TestHandlerDisposeAtExecutionEndNoOpWhenSubscribed(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	sink := &testSink{}
	h.attach(sink)
	h.disposeAtExecutionEnd()

	if d.forced {
		t.Fatal("execution end must not force-dispose once a subscriber owns the stream")
	}

	h.HandleChunk(terminalChunk)
	if sink.completes != 1 {
		t.Fatalf("completes = %d, want 1", sink.completes)
	}
}

func TestHandlerSinkRejectionDuringFlush(t *testing.T) {
	d := &disposeRecorder{}
	h := newResponseHandler(d.fn, zap.NewNop())
	h.HandleHead(testHead(200))

	c1 := defaultAllocator.adopt([]byte("a"))
	c2 := defaultAllocator.adopt([]byte("b"))
	h.HandleChunk(c1)
	h.HandleChunk(c2)

	sink := &testSink{rejectAll: true}
	h.attach(sink)

	if atomic.LoadInt32(&c1.refs) != 0 || atomic.LoadInt32(&c2.refs) != 0 {
		t.Fatal("chunks leaked after sink rejected the flush")
	}
	if sink.completes != 0 {
		t.Fatal("rejecting sink still received Complete")
	}
}

func TestResponseHeadStripsContentLength(t *testing.T) {
	tests := []struct {
		status    int
		wantStrip bool
	}{
		{100, true},
		{101, true},
		{199, true},
		{204, true},
		{200, false},
		{206, false},
		{304, false},
	}
	for _, tt := range tests {
		head := testHead(tt.status)
		head.Headers.Set("Content-Length", "5")
		head.stripContentLengthIfInformational()
		if has := head.Headers.Has("Content-Length"); has == tt.wantStrip {
			t.Errorf("status %d: Content-Length present=%v, want strip=%v", tt.status, has, tt.wantStrip)
		}
	}
}

func TestKeepAliveEligible(t *testing.T) {
	head := testHead(200)
	if !head.keepAliveEligible() {
		t.Fatal("plain 200 should be keep-alive eligible")
	}
	head.Headers.Set("Connection", "close")
	if head.keepAliveEligible() {
		t.Fatal("Connection: close must not be keep-alive eligible")
	}
	head.Headers.Set("Connection", "CLOSE")
	if head.keepAliveEligible() {
		t.Fatal("Connection value comparison must be case-insensitive")
	}
}
