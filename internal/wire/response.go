package wire

import (
	"bufio"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// ErrMalformedStatusLine is returned by ReadStatusLine when the first line
// of a response is not a well-formed "HTTP/1.x NNN reason" line.
var ErrMalformedStatusLine = errors.New("wire: malformed status line")

// StatusLine is the parsed first line of an HTTP/1.1 response.
type StatusLine struct {
	Major, Minor int
	StatusCode   int
	Reason       string
}

// ReadStatusLine reads and parses one status line. It blocks on the
// underlying reader; there is no subscriber yet to gate against at this
// point in the protocol, so unlike body reads this is not split into
// read-one cycles.
func ReadStatusLine(tp *textproto.Reader) (StatusLine, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return StatusLine{}, err
	}
	var sl StatusLine
	var proto string
	n, _ := fmt.Sscanf(line, "%s %d", &proto, &sl.StatusCode)
	if n < 2 {
		return StatusLine{}, fmt.Errorf("%w: %q", ErrMalformedStatusLine, line)
	}
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		rest := line[idx+1:]
		if sp := strings.IndexByte(rest, ' '); sp >= 0 {
			sl.Reason = rest[sp+1:]
		}
	}
	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return StatusLine{}, fmt.Errorf("%w: %q", ErrMalformedStatusLine, line)
	}
	sl.Major, sl.Minor = major, minor
	return sl, nil
}

func parseHTTPVersion(proto string) (major, minor int, ok bool) {
	if !strings.HasPrefix(proto, "HTTP/") {
		return 0, 0, false
	}
	rest := proto[len("HTTP/"):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(rest[:dot])
	minor, err2 := strconv.Atoi(rest[dot+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// ReadHeaderFields reads the header block terminated by a blank line,
// preserving declaration order and original casing for the caller to feed
// into an order-preserving container (textproto.MIMEHeader is not used
// here because it canonicalizes case and loses the original field order,
// both of which the response head preserves).
func ReadHeaderFields(tp *textproto.Reader) ([]HeaderField, error) {
	var fields []HeaderField
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return fields, nil
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("wire: malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		fields = append(fields, HeaderField{Name: name, Value: value})
	}
}

// NewTextprotoReader wraps a *bufio.Reader for status-line/header parsing.
func NewTextprotoReader(br *bufio.Reader) *textproto.Reader {
	return textproto.NewReader(br)
}
