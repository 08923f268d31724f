package httpflow

import (
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

type stringSource struct {
	data string
}

func (s *stringSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.data)), nil
}

func TestContentKindsAndLengths(t *testing.T) {
	tests := []struct {
		name       string
		content    Content
		wantKind   ContentKind
		wantLength int64
	}{
		{"empty", EmptyContent(), ContentEmpty, 0},
		{"buffer", BufferContentBytes([]byte("hello")), ContentBuffer, 5},
		{"stream known", StreamKnownContent(&stringSource{"abc"}, 3), ContentStreamKnown, 3},
		{"stream unknown", StreamUnknownContent(&stringSource{"abc"}), ContentStreamUnknown, -1},
		{"zero value", Content{}, ContentEmpty, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.content.Kind(); got != tt.wantKind {
				t.Errorf("Kind() = %v, want %v", got, tt.wantKind)
			}
			if got := tt.content.Length(); got != tt.wantLength {
				t.Errorf("Length() = %d, want %d", got, tt.wantLength)
			}
			tt.content.Discard()
		})
	}
}

func TestTakeBufferTransfersOwnership(t *testing.T) {
	content := BufferContentBytes([]byte("data"))
	chunk := content.TakeBuffer()
	if chunk == nil {
		t.Fatal("TakeBuffer returned nil for buffer content")
	}
	// Discard after the take must not touch the transferred chunk.
	content.Discard()
	if got := atomic.LoadInt32(&chunk.refs); got != 1 {
		t.Fatalf("taken chunk refs = %d, want 1", got)
	}
	chunk.Release()
}

func TestTakeBufferInvalidForStreams(t *testing.T) {
	content := StreamUnknownContent(&stringSource{"x"})
	if content.TakeBuffer() != nil {
		t.Fatal("TakeBuffer should return nil for stream content")
	}
	if content.TakeSource() == nil {
		t.Fatal("TakeSource should return the stream source")
	}

	empty := EmptyContent()
	if empty.TakeSource() != nil {
		t.Fatal("TakeSource should return nil for empty content")
	}
}

func TestDiscardIdempotent(t *testing.T) {
	chunk := defaultAllocator.adopt([]byte("once"))
	content := BufferContent(chunk)

	content.Discard()
	content.Discard()
	content.Discard()

	if got := atomic.LoadInt32(&chunk.refs); got != 0 {
		t.Fatalf("refs after repeated Discard = %d, want exactly 0", got)
	}
}
