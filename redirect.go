package httpflow

import (
	"fmt"
	"net/url"
)

// redirectController resolves a 3xx response into either an aborted
// redirect (current response surfaced as-is) or a successor RequestConfig,
// applying the per-status method/body policy.
type redirectController struct {
	client *Client
}

func newRedirectController(client *Client) *redirectController {
	return &redirectController{client: client}
}

// evaluate processes one redirect response: Location resolution, the
// caller's redirect decision function, and the method/body policy. It
// returns a non-nil next config when the chain should continue, or
// surfaceAsIs=true when the response itself should be delivered to the
// caller unchanged (decision function declined to redirect).
func (r *redirectController) evaluate(cfg *RequestConfig, head ResponseHead) (next *RequestConfig, surfaceAsIs bool, err error) {
	location, err := resolveLocation(cfg.URI, head.Headers.Get("Location"))
	if err != nil {
		return nil, false, newRequestError("redirect", cfg.URI.String(), err)
	}

	var decisionCfg Configurator
	if cfg.OnRedirect != nil {
		head := head // local copy for the closure-safe pointer below
		decisionCfg = cfg.OnRedirect(&head)
		if decisionCfg == nil {
			return nil, true, nil
		}
	}

	method, body := redirectMethodAndBody(head.StatusCode, cfg.Method, cfg.Body)
	// Ownership of the body (if any survived the policy above) transfers
	// to the successor config being built below; clearing it here means
	// cfg's own eventual Discard (if this hop turns out to be the last
	// thing holding a reference, e.g. on an error return from
	// buildRedirectConfig) never double-releases the same buffer.
	cfg.Body = EmptyContent()

	next, err = buildRedirectConfig(cfg, location, method, body, decisionCfg)
	if err != nil {
		return nil, false, err
	}
	return next, false, nil
}

// resolveLocation resolves a (possibly relative) Location header against
// the current request URI, failing with ErrBadRedirect if it is missing
// or unparseable.
func resolveLocation(current *url.URL, location string) (*url.URL, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: missing Location header", ErrBadRedirect)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRedirect, err)
	}
	return current.ResolveReference(ref), nil
}

// redirectMethodAndBody applies the HTTP/1.1 redirect method/body policy:
// 303 always switches to GET with the body dropped; 301/302 degrade a
// non-GET/HEAD method to GET with the body dropped, matching the historical
// net/http.Client behavior rather than the stricter RFC 7231 reading;
// 307/308 preserve method and body unchanged.
func redirectMethodAndBody(statusCode int, method string, body Content) (string, Content) {
	switch statusCode {
	case 307, 308:
		return method, body
	case 303:
		body.Discard()
		return "GET", EmptyContent()
	default: // 301, 302
		if method == "GET" || method == "HEAD" {
			return method, body
		}
		body.Discard()
		return "GET", EmptyContent()
	}
}

// buildRedirectConfig spawns the successor RequestConfig for the next hop,
// carrying over headers, timeouts and policy from cfg rather than
// reapplying client defaults, then layering decisionCfg on top when the
// redirect decision function supplied one.
func buildRedirectConfig(cfg *RequestConfig, location *url.URL, method string, body Content, decisionCfg Configurator) (*RequestConfig, error) {
	b := &RequestBuilder{
		Method:               method,
		Headers:              cfg.Headers.Clone(),
		Body:                 body,
		ConnectTimeout:       cfg.ConnectTimeout,
		ReadTimeout:          cfg.ReadTimeout,
		MaxRedirects:         cfg.MaxRedirects,
		MaxResponseLength:    cfg.MaxResponseLength,
		ResponseMaxChunkSize: cfg.ResponseMaxChunkSize,
		DecompressResponse:   cfg.DecompressResponse,
		TLSConfig:            cfg.TLSConfig,
		TLSParamCustomizer:   cfg.TLSParamCustomizer,
		OnRedirect:           cfg.OnRedirect,
	}
	// A redirect to a new host must not carry a stale Host header derived
	// from the previous target.
	b.Headers.Del("Host")
	// Authorization is scoped to the origin that issued it; dropping it on
	// cross-origin redirects avoids leaking credentials downstream.
	if location.Host != cfg.URI.Host {
		b.Headers.Del("Authorization")
	}

	if decisionCfg != nil {
		if err := decisionCfg(b); err != nil {
			b.Body.Discard()
			return nil, newRequestError("redirect", location.String(), err)
		}
	}

	return &RequestConfig{
		URI:                  location,
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
