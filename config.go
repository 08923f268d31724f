package httpflow

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// RequestConfig is the immutable snapshot produced by applying a
// Configurator to a RequestBuilder.
type RequestConfig struct {
	URI                  *url.URL
	Method               string
	Headers              *Headers
	Body                 Content
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	MaxRedirects         int
	MaxResponseLength    int64
	ResponseMaxChunkSize int
	DecompressResponse   bool
	TLSConfig            *tls.Config
	TLSParamCustomizer   func(*tls.Config)
	OnRedirect           RedirectDecisionFunc
}

// RedirectDecisionFunc is consulted with the received 3xx response; a nil
// return aborts redirect chasing (the current response is surfaced), a
// non-nil Configurator is composed onto the next request.
type RedirectDecisionFunc func(resp *ResponseHead) Configurator

// Configurator mutates a RequestBuilder. Builders are seeded from client
// defaults before a Configurator runs; a single failable pass over one
// mutable struct keeps body-buffer cleanup on error in one place.
type Configurator func(*RequestBuilder) error

// RequestBuilder is the mutable scratch struct a Configurator edits.
type RequestBuilder struct {
	Method               string
	Headers              *Headers
	Body                 Content
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	MaxRedirects         int
	MaxResponseLength    int64
	ResponseMaxChunkSize int
	DecompressResponse   bool
	TLSConfig            *tls.Config
	TLSParamCustomizer   func(*tls.Config)
	OnRedirect           RedirectDecisionFunc
}

// ClientDefaults seeds a RequestBuilder before the caller's Configurator
// runs. Zero fields fall back to 30s timeouts, an unbounded response
// length, and 8 KiB chunks.
type ClientDefaults struct {
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	MaxResponseLength    int64
	ResponseMaxChunkSize int
}

func (d ClientDefaults) withFallbacks() ClientDefaults {
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = 30 * time.Second
	}
	if d.ReadTimeout <= 0 {
		d.ReadTimeout = 30 * time.Second
	}
	if d.MaxResponseLength == 0 {
		d.MaxResponseLength = -1
	}
	if d.ResponseMaxChunkSize <= 0 {
		d.ResponseMaxChunkSize = 8192
	}
	return d
}

// BuildRequestConfig applies configurator to a builder seeded with
// defaults, validates the result, and returns an immutable RequestConfig.
//
// If configurator returns an error, any body buffer already assigned on
// the builder is discarded before the error is propagated.
func BuildRequestConfig(rawURI string, defaults ClientDefaults, configurator Configurator) (*RequestConfig, error) {
	defaults = defaults.withFallbacks()

	b := &RequestBuilder{
		Method:               "GET",
		Headers:              NewHeaders(),
		Body:                 EmptyContent(),
		ConnectTimeout:       defaults.ConnectTimeout,
		ReadTimeout:          defaults.ReadTimeout,
		MaxRedirects:         10,
		MaxResponseLength:    defaults.MaxResponseLength,
		ResponseMaxChunkSize: defaults.ResponseMaxChunkSize,
		DecompressResponse:   true,
	}

	if configurator != nil {
		if err := configurator(b); err != nil {
			b.Body.Discard()
			return nil, newRequestError("configure", rawURI, err)
		}
	}

	if b.MaxRedirects < 0 {
		b.Body.Discard()
		return nil, newRequestError("configure", rawURI, fmt.Errorf("%w: max_redirects must be >= 0", ErrProtocol))
	}
	if b.ResponseMaxChunkSize <= 0 {
		b.Body.Discard()
		return nil, newRequestError("configure", rawURI, fmt.Errorf("%w: response_max_chunk_size must be > 0", ErrProtocol))
	}
	if b.Body.Kind() == ContentStreamKnown && b.Body.Length() <= 0 {
		b.Body.Discard()
		return nil, newRequestError("configure", rawURI, fmt.Errorf("%w: stream_known length must be > 0", ErrProtocol))
	}

	parsed, err := url.Parse(rawURI)
	if err != nil {
		b.Body.Discard()
		return nil, newRequestError("configure", rawURI, fmt.Errorf("%w: %v", ErrProtocol, err))
	}

	if err := validateHeaders(b.Headers); err != nil {
		b.Body.Discard()
		return nil, newRequestError("configure", rawURI, err)
	}

	return &RequestConfig{
		URI:                  parsed,
		Method:               b.Method,
		Headers:              b.Headers,
		Body:                 b.Body,
		ConnectTimeout:       b.ConnectTimeout,
		ReadTimeout:          b.ReadTimeout,
		MaxRedirects:         b.MaxRedirects,
		MaxResponseLength:    b.MaxResponseLength,
		ResponseMaxChunkSize: b.ResponseMaxChunkSize,
		DecompressResponse:   b.DecompressResponse,
		TLSConfig:            b.TLSConfig,
		TLSParamCustomizer:   b.TLSParamCustomizer,
		OnRedirect:           b.OnRedirect,
	}, nil
}

// validateHeaders rejects header names/values that would produce an
// invalid HTTP/1.1 wire request, using golang.org/x/net/http/httpguts (the
// same validation net/http itself performs) instead of hand-rolling RFC
// 7230 token/field-value grammar.
func validateHeaders(h *Headers) error {
	var err error
	h.Each(func(key, value string) {
		if err != nil {
			return
		}
		if !httpguts.ValidHeaderFieldName(key) {
			err = fmt.Errorf("%w: invalid header name %q", ErrProtocol, key)
			return
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			err = fmt.Errorf("%w: invalid header value for %q", ErrProtocol, key)
		}
	})
	return err
}

// WithMethod sets the request method.
func WithMethod(method string) Configurator {
	return func(b *RequestBuilder) error {
		b.Method = strings.ToUpper(method)
		return nil
	}
}

// WithHeader adds a header value.
func WithHeader(key, value string) Configurator {
	return func(b *RequestBuilder) error {
		b.Headers.Add(key, value)
		return nil
	}
}

// WithBody sets the request body content, discarding any content already
// assigned (so repeated WithBody calls in one configurator never leak).
func WithBody(content Content) Configurator {
	return func(b *RequestBuilder) error {
		b.Body.Discard()
		b.Body = content
		return nil
	}
}

// WithTextBody sets a UTF-8 text body and, only if Content-Type is not
// already set, defaults it to "text/plain;charset=UTF-8".
func WithTextBody(text string) Configurator {
	return WithTextBodyCharset(text, "UTF-8")
}

// WithTextBodyCharset sets a text body whose default Content-Type names
// charset, applying the same "only if unset" rule. The body bytes are the
// UTF-8 encoding of text whatever charset says; no transcoding is done.
func WithTextBodyCharset(text, charset string) Configurator {
	return func(b *RequestBuilder) error {
		b.Body.Discard()
		b.Body = TextContent(text)
		if !b.Headers.Has("Content-Type") {
			b.Headers.Set("Content-Type", fmt.Sprintf("text/plain;charset=%s", charset))
		}
		return nil
	}
}

// WithConnectTimeout overrides the connect timeout.
func WithConnectTimeout(d time.Duration) Configurator {
	return func(b *RequestBuilder) error {
		b.ConnectTimeout = d
		return nil
	}
}

// WithReadTimeout overrides the read timeout.
func WithReadTimeout(d time.Duration) Configurator {
	return func(b *RequestBuilder) error {
		b.ReadTimeout = d
		return nil
	}
}

// WithMaxRedirects overrides the redirect hop bound. Must be >= 0.
func WithMaxRedirects(n int) Configurator {
	return func(b *RequestBuilder) error {
		b.MaxRedirects = n
		return nil
	}
}

// WithMaxResponseLength overrides the buffered-response size bound, -1 for
// unbounded.
func WithMaxResponseLength(n int64) Configurator {
	return func(b *RequestBuilder) error {
		b.MaxResponseLength = n
		return nil
	}
}

// WithResponseMaxChunkSize overrides the per-chunk read size. Must be > 0.
func WithResponseMaxChunkSize(n int) Configurator {
	return func(b *RequestBuilder) error {
		b.ResponseMaxChunkSize = n
		return nil
	}
}

// WithDecompressResponse toggles automatic response decompression.
func WithDecompressResponse(enabled bool) Configurator {
	return func(b *RequestBuilder) error {
		b.DecompressResponse = enabled
		return nil
	}
}

// WithRedirectDecision installs a redirect decision function.
func WithRedirectDecision(fn RedirectDecisionFunc) Configurator {
	return func(b *RequestBuilder) error {
		b.OnRedirect = fn
		return nil
	}
}

// WithTLSConfig sets the TLS context used for https:// targets.
func WithTLSConfig(cfg *tls.Config) Configurator {
	return func(b *RequestBuilder) error {
		b.TLSConfig = cfg
		return nil
	}
}

// WithTLSParamCustomizer installs a function that further tunes the
// negotiated *tls.Config (e.g. pinning a cipher suite) just before the
// handshake.
func WithTLSParamCustomizer(fn func(*tls.Config)) Configurator {
	return func(b *RequestBuilder) error {
		b.TLSParamCustomizer = fn
		return nil
	}
}

// WithBasicAuth sets Authorization to "Basic <base64(user:pass)>" using
// ISO-8859-1 (Latin-1) byte encoding of "user:pass", replacing any prior
// Authorization header.
func WithBasicAuth(user, pass string) Configurator {
	return func(b *RequestBuilder) error {
		raw := user + ":" + pass
		encoded, err := latin1Bytes(raw)
		if err != nil {
			return fmt.Errorf("%w: basic auth: %v", ErrProtocol, err)
		}
		b.Headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(encoded))
		return nil
	}
}

// latin1Bytes encodes s as ISO-8859-1, failing on any rune outside the
// Latin-1 code point range rather than silently truncating it.
func latin1Bytes(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, fmt.Errorf("rune %q outside ISO-8859-1 range", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}
