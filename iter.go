//go:build go1.23

package httpflow

import (
	"context"
	"iter"
	"sync"
)

// Chunks returns an iterator over the response body's byte chunks.
// Use with Go 1.23+ for range syntax:
//
//	for chunk, err := range streamed.Chunks(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(chunk.Bytes())
//	    chunk.Release()
//	}
//
// Each yielded chunk is owned by the loop body and must be Released.
// Breaking out of the loop cancels the subscription, force-disposing the
// underlying transport; chunks the iterator still held internally are
// released on the way out. Chunks consumes the response's single
// subscription slot, so it can be used at most once per StreamedResponse.
func (sr *StreamedResponse) Chunks(ctx context.Context) iter.Seq2[*ByteChunk, error] {
	return func(yield func(*ByteChunk, error) bool) {
		sink := newIterSink()
		sub := sr.Subscribe(sink)

		sub.Request(1)
		for {
			chunk, err, state := sink.next(ctx)
			switch state {
			case iterChunk:
				if !yield(chunk, nil) {
					sub.Cancel()
					sink.drain()
					return
				}
				sub.Request(1)
			case iterDone:
				return
			case iterErr:
				yield(nil, err)
				return
			case iterCtxDone:
				sub.Cancel()
				sink.drain()
				yield(nil, newRequestError("read", "", ErrCancelled))
				return
			}
		}
	}
}

type iterState int

const (
	iterChunk iterState = iota
	iterDone
	iterErr
	iterCtxDone
)

// iterSink adapts the push-based ChunkSink to the iterator's pull loop. It
// never blocks in Send (the pre-subscription flush delivers synchronously
// inside Subscribe, before the iterator starts pulling), queueing instead
// and waking the puller through a capacity-1 notify channel.
type iterSink struct {
	mu     sync.Mutex
	queue  []*ByteChunk
	err    error
	done   bool
	notify chan struct{}
}

func newIterSink() *iterSink {
	return &iterSink{notify: make(chan struct{}, 1)}
}

func (s *iterSink) CurrentDemand() int64 {
	// Demand is tracked by the Subscription's gate; the sink itself always
	// accepts what the handler pushes (it buffered it either way).
	return 1
}

func (s *iterSink) Send(chunk *ByteChunk) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		chunk.Release()
		return false
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *iterSink) Complete() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
}

func (s *iterSink) Fail(err error) {
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *iterSink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next blocks until a chunk is available, the stream terminates, or ctx
// ends. A queued chunk is always returned before a terminal signal so the
// tail of the body is never dropped.
func (s *iterSink) next(ctx context.Context) (*ByteChunk, error, iterState) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return chunk, nil, iterChunk
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return nil, err, iterErr
			}
			return nil, nil, iterDone
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, nil, iterCtxDone
		}
	}
}

// drain releases any chunks still queued after a cancellation.
func (s *iterSink) drain() {
	s.mu.Lock()
	s.done = true
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, c := range queue {
		c.Release()
	}
}
