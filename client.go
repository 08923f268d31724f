package httpflow

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Client owns the long-lived collaborators: the connection pool, the
// shared byte allocator, the redirect controller, and the per-client
// defaults a RequestConfig is built against. It carries no per-request
// state; every Fetch/Execute call spawns its own RequestAction.
type Client struct {
	log       *zap.Logger
	pool      *connPool
	allocator *Allocator
	redirects *redirectController
	defaults  ClientDefaults
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithLogger installs a *zap.Logger. The default is zap.NewNop(), so a
// Client is silent unless a logger is supplied.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClientDefaults overrides the timeouts and size limits every
// RequestConfig is seeded from before a Configurator runs.
func WithClientDefaults(defaults ClientDefaults) ClientOption {
	return func(c *Client) { c.defaults = defaults }
}

// WithAllocator installs a dedicated byte allocator instead of a
// freshly constructed one, useful for sharing buffer reuse across
// multiple Clients in tests.
func WithAllocator(alloc *Allocator) ClientOption {
	return func(c *Client) { c.allocator = alloc }
}

// NewClient constructs a Client ready to issue requests.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		log:       zap.NewNop(),
		pool:      newConnPool(),
		allocator: NewAllocator(),
	}
	c.redirects = newRedirectController(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the connection pool and allocator. Outstanding
// StreamedResponse handles remain valid; only idle pooled connections and
// pooled buffers are reclaimed.
func (c *Client) Close() error {
	err := c.pool.Close()
	c.allocator.Close()
	return err
}

// Execute builds a RequestConfig from rawURI/configurator and runs it to
// completion, returning the live StreamedResponse handle of the terminal
// (non-redirected, or redirect-exhausted) response.
func (c *Client) Execute(ctx context.Context, rawURI string, configurator Configurator) (*StreamedResponse, error) {
	cfg, err := BuildRequestConfig(rawURI, c.defaults, configurator)
	if err != nil {
		return nil, err
	}
	return c.executeConfig(ctx, cfg)
}

func (c *Client) executeConfig(ctx context.Context, cfg *RequestConfig) (*StreamedResponse, error) {
	action := newRequestAction(c, cfg, "")
	return action.Execute(ctx)
}

// Fetch is the buffered convenience wrapper around Execute: it runs the
// request, subscribes an in-process accumulator bounded by the configured
// maximum response length, and waits for completion.
func (c *Client) Fetch(ctx context.Context, rawURI string, configurator Configurator) (*ReceivedResponse, error) {
	cfg, err := BuildRequestConfig(rawURI, c.defaults, configurator)
	if err != nil {
		return nil, err
	}

	streamed, err := c.executeConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	acc := newBufferingSink(cfg.MaxResponseLength)
	sub := streamed.Subscribe(acc)
	sub.Request(1 << 30) // effectively unbounded demand for a buffered fetch

	if err := acc.wait(ctx); err != nil {
		// Force-dispose so the transport stops reading a body nobody will
		// collect (oversized, failed, or the caller's ctx ended).
		sub.Cancel()
		return nil, err
	}
	return &ReceivedResponse{Head: streamed.Head, Body: acc.bytes()}, nil
}

// acquireTransport resolves a transport for key from the pool, dialing a
// fresh one on a miss.
func (c *Client) acquireTransport(ctx context.Context, cfg *RequestConfig, key string) (*connTransport, error) {
	if conn, ok := c.pool.Get(ctx, key); ok {
		return conn, nil
	}

	host, port := hostPort(cfg.URI)
	addr := fmt.Sprintf("%s:%s", host, port)

	var tlsCfg *tls.Config
	if cfg.URI.Scheme == "https" {
		tlsCfg = cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		tlsCfg = tlsCfg.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = host
		}
		if cfg.TLSParamCustomizer != nil {
			cfg.TLSParamCustomizer(tlsCfg)
		}
	}

	return newConnTransport(ctx, "tcp", addr, cfg.ConnectTimeout, tlsCfg, c.allocator, cfg.ResponseMaxChunkSize)
}

// tlsIdentity derives the pool-key component for a TLS context. Two
// RequestConfigs that do not share a *tls.Config pointer are treated as
// distinct identities even if their effective settings happen to
// coincide, erring toward extra dials over accidentally reusing a
// connection handshook under different TLS parameters.
func tlsIdentity(cfg *tls.Config) string {
	if cfg == nil {
		return "default"
	}
	return fmt.Sprintf("%p:%s:%v", cfg, cfg.ServerName, cfg.InsecureSkipVerify)
}

// bufferingSink is the ChunkSink behind Client.Fetch: it appends every
// chunk into a growing buffer, enforcing max_content_length, and signals
// a done channel on Complete/Fail. finish guards the done channel so an
// overflow during the pre-subscription flush and a later Complete/Fail
// cannot both close it.
type bufferingSink struct {
	maxLen int64

	mu     sync.Mutex
	buf    []byte
	err    error
	closed bool

	done chan struct{}
}

func newBufferingSink(maxLen int64) *bufferingSink {
	return &bufferingSink{maxLen: maxLen, done: make(chan struct{})}
}

func (s *bufferingSink) CurrentDemand() int64 { return 1 << 30 }

func (s *bufferingSink) Send(chunk *ByteChunk) bool {
	defer chunk.Release()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.maxLen >= 0 && int64(len(s.buf)+chunk.Len()) > s.maxLen {
		s.mu.Unlock()
		s.finish(newRequestError("read", "", ErrMaxContentLengthExceeded))
		return false
	}
	s.buf = append(s.buf, chunk.Bytes()...)
	s.mu.Unlock()
	return true
}

func (s *bufferingSink) Complete() { s.finish(nil) }

func (s *bufferingSink) Fail(err error) { s.finish(err) }

func (s *bufferingSink) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *bufferingSink) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return newRequestError("read", "", ErrCancelled)
	}
}

func (s *bufferingSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}
