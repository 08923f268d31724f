package httpflow

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Sentinel errors for the failure kinds a request can hit. Match with
// errors.Is against these, or errors.As against *RequestError for op/URI
// context.
var (
	// ErrConnectTimeout is returned when the connect phase exceeds the
	// configured connect timeout.
	ErrConnectTimeout = errors.New("httpflow: connect timeout")

	// ErrReadTimeout is returned when no inbound byte arrives within the
	// configured read timeout.
	ErrReadTimeout = errors.New("httpflow: read timeout")

	// ErrTLS indicates a TLS handshake or parameter failure.
	ErrTLS = errors.New("httpflow: tls error")

	// ErrBadRedirect indicates a missing, malformed, or unresolvable
	// Location header on a redirect response.
	ErrBadRedirect = errors.New("httpflow: bad redirect")

	// ErrTooManyRedirects indicates the hop count would exceed max_redirects
	// under a policy that forbids surfacing the last response instead.
	ErrTooManyRedirects = errors.New("httpflow: too many redirects")

	// ErrMaxContentLengthExceeded indicates a buffered response body
	// exceeded max_content_length.
	ErrMaxContentLengthExceeded = errors.New("httpflow: max content length exceeded")

	// ErrIncompleteBody indicates the request body publisher completed
	// early relative to its declared length.
	ErrIncompleteBody = errors.New("httpflow: incomplete request body")

	// ErrTransportClosed indicates the connection closed mid-response.
	ErrTransportClosed = errors.New("httpflow: transport closed")

	// ErrProtocol indicates a framing or header parse violation.
	ErrProtocol = errors.New("httpflow: protocol error")

	// ErrCancelled indicates subscriber or execution cancellation.
	ErrCancelled = errors.New("httpflow: cancelled")
)

// RequestError decorates a sentinel error with the operation phase and the
// target URI.
type RequestError struct {
	// Op names the phase that failed: "configure", "connect", "tls",
	// "write", "read", "decompress", or "redirect".
	Op string

	// URI is the request target at the time of failure.
	URI string

	// Err is the underlying (sentinel or wrapped) error.
	Err error
}

func newRequestError(op, uri string, err error) *RequestError {
	return &RequestError{Op: op, URI: uri, Err: err}
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("httpflow: %s %s: %v", e.Op, e.URI, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// attachSuppressed records a secondary failure (typically from pipeline
// disposal) alongside the primary error instead of dropping it.
//
// The result still satisfies errors.Is/As against both the primary error's
// sentinel and ErrTransportClosed-style disposal failures, since
// multierror.Error.Unwrap walks every wrapped error in order.
func attachSuppressed(primary, secondary error) error {
	if secondary == nil {
		return primary
	}
	if primary == nil {
		return secondary
	}
	me := multierror.Append(nil, primary, secondary)
	me.ErrorFormat = func(errs []error) string {
		return fmt.Sprintf("%v (disposal also failed: %v)", errs[0], errs[1])
	}
	return me.ErrorOrNil()
}
