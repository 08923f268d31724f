// Package httpflowtest provides testing utilities for httpflow clients.
//
// The package includes a scripted in-process HTTP/1.1 server that speaks
// raw TCP, giving tests byte-level control over response framing (chunk
// boundaries, stalls, premature closes) that net/http/httptest cannot
// express.
//
// Example:
//
//	func TestMyCode(t *testing.T) {
//	    server := httpflowtest.NewServer()
//	    defer server.Close()
//
//	    server.Enqueue(&httpflowtest.Exchange{Status: 200, Body: []byte("hello")})
//
//	    client := httpflow.NewClient()
//	    defer client.Close()
//	    resp, err := client.Fetch(ctx, server.URL()+"/x", nil)
//	    // ...
//	}
package httpflowtest
