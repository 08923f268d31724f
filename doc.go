// Package httpflow provides the streaming HTTP/1.1 client core of a
// non-blocking web toolkit.
//
// It issues an outbound request from a user-supplied configuration, follows
// redirects up to a bound, and delivers the response body either as a
// buffered artifact or as a flow-controlled stream of reference-counted
// byte chunks. Every chunk obtained from the transport carries exactly one
// owning reference that must be released exactly once, regardless of
// cancellation, error, early completion, or redirect.
//
// # Basic usage
//
// Create a client and fetch a buffered response:
//
//	client := httpflow.NewClient()
//	resp, err := client.Fetch(ctx, "http://example.com/x", nil)
//
// # Streaming usage
//
// Subscribe to the response body as it arrives:
//
//	streamed, err := client.Execute(ctx, "http://example.com/x", nil)
//	if err != nil {
//	    return err
//	}
//	for chunk, err := range streamed.Chunks(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(chunk.Bytes())
//	    chunk.Release()
//	}
//
// # Error handling
//
// The package provides sentinel errors for common failure kinds:
//
//	if errors.Is(err, httpflow.ErrReadTimeout) {
//	    // handle a stalled response
//	}
//
// For detailed context, use errors.As with RequestError:
//
//	var re *httpflow.RequestError
//	if errors.As(err, &re) {
//	    fmt.Println("phase:", re.Op)
//	}
package httpflow
