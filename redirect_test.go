package httpflow

import (
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestResolveLocation(t *testing.T) {
	base := mustParse(t, "http://h:8080/a/b?q=1")

	tests := []struct {
		name     string
		location string
		want     string
	}{
		{"relative path", "c", "http://h:8080/a/c"},
		{"absolute path", "/x", "http://h:8080/x"},
		{"absolute url", "https://other/y", "https://other/y"},
		{"query only", "?page=2", "http://h:8080/a/b?page=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveLocation(base, tt.location)
			if err != nil {
				t.Fatalf("resolveLocation: %v", err)
			}
			if got.String() != tt.want {
				t.Fatalf("resolved = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveLocationFailures(t *testing.T) {
	base := mustParse(t, "http://h/a")

	if _, err := resolveLocation(base, ""); !errors.Is(err, ErrBadRedirect) {
		t.Fatalf("missing Location err = %v, want ErrBadRedirect", err)
	}
	if _, err := resolveLocation(base, "http://h/%zz"); !errors.Is(err, ErrBadRedirect) {
		t.Fatalf("malformed Location err = %v, want ErrBadRedirect", err)
	}
}

func TestRedirectMethodAndBodyPolicy(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		method     string
		wantMethod string
		wantBody   bool
	}{
		{"303 POST to GET", 303, "POST", "GET", false},
		{"303 GET stays GET", 303, "GET", "GET", false},
		{"301 POST degrades", 301, "POST", "GET", false},
		{"302 PUT degrades", 302, "PUT", "GET", false},
		{"301 GET keeps body policy", 301, "GET", "GET", true},
		{"302 HEAD preserved", 302, "HEAD", "HEAD", true},
		{"307 POST preserved", 307, "POST", "POST", true},
		{"308 DELETE preserved", 308, "DELETE", "DELETE", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := defaultAllocator.adopt([]byte("body"))
			method, body := redirectMethodAndBody(tt.status, tt.method, BufferContent(chunk))
			if method != tt.wantMethod {
				t.Errorf("method = %q, want %q", method, tt.wantMethod)
			}
			if tt.wantBody {
				if body.Kind() != ContentBuffer {
					t.Errorf("body kind = %v, want buffer preserved", body.Kind())
				}
				body.Discard()
			} else {
				if body.Kind() != ContentEmpty {
					t.Errorf("body kind = %v, want empty", body.Kind())
				}
				if got := atomic.LoadInt32(&chunk.refs); got != 0 {
					t.Errorf("dropped body refs = %d, want 0", got)
				}
			}
		})
	}
}

func TestBuildRedirectConfigHeaderHygiene(t *testing.T) {
	cfg, err := BuildRequestConfig("http://origin/a", ClientDefaults{}, func(b *RequestBuilder) error {
		b.Headers.Set("Host", "origin")
		b.Headers.Set("Authorization", "Basic abc")
		b.Headers.Set("X-Custom", "kept")
		return nil
	})
	if err != nil {
		t.Fatalf("BuildRequestConfig: %v", err)
	}

	t.Run("cross-origin drops authorization", func(t *testing.T) {
		next, err := buildRedirectConfig(cfg, mustParse(t, "http://other/b"), "GET", EmptyContent(), nil)
		if err != nil {
			t.Fatalf("buildRedirectConfig: %v", err)
		}
		if next.Headers.Has("Authorization") {
			t.Error("Authorization leaked cross-origin")
		}
		if next.Headers.Has("Host") {
			t.Error("stale Host header carried to new target")
		}
		if got := next.Headers.Get("X-Custom"); got != "kept" {
			t.Errorf("X-Custom = %q, want kept", got)
		}
	})

	t.Run("same-origin keeps authorization", func(t *testing.T) {
		next, err := buildRedirectConfig(cfg, mustParse(t, "http://origin/b"), "GET", EmptyContent(), nil)
		if err != nil {
			t.Fatalf("buildRedirectConfig: %v", err)
		}
		if got := next.Headers.Get("Authorization"); got != "Basic abc" {
			t.Errorf("Authorization = %q, want Basic abc", got)
		}
	})
}

func TestBuildRedirectConfigDecisionComposition(t *testing.T) {
	cfg, err := BuildRequestConfig("http://h/a", ClientDefaults{}, nil)
	if err != nil {
		t.Fatalf("BuildRequestConfig: %v", err)
	}

	next, err := buildRedirectConfig(cfg, mustParse(t, "http://h/b"), "GET", EmptyContent(),
		WithHeader("X-Hop", "1"))
	if err != nil {
		t.Fatalf("buildRedirectConfig: %v", err)
	}
	if got := next.Headers.Get("X-Hop"); got != "1" {
		t.Fatalf("X-Hop = %q, want 1", got)
	}
}

func TestBuildRedirectConfigDecisionErrorDiscardsBody(t *testing.T) {
	cfg, err := BuildRequestConfig("http://h/a", ClientDefaults{}, nil)
	if err != nil {
		t.Fatalf("BuildRequestConfig: %v", err)
	}

	chunk := defaultAllocator.adopt([]byte("replay"))
	boom := errors.New("boom")
	_, err = buildRedirectConfig(cfg, mustParse(t, "http://h/b"), "POST", BufferContent(chunk),
		func(*RequestBuilder) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if got := atomic.LoadInt32(&chunk.refs); got != 0 {
		t.Fatalf("body refs = %d, want 0 after failed decision configurator", got)
	}
}

func TestIsRedirectStatus(t *testing.T) {
	for _, code := range []int{301, 302, 303, 307, 308} {
		if !isRedirectStatus(code) {
			t.Errorf("isRedirectStatus(%d) = false", code)
		}
	}
	for _, code := range []int{200, 204, 300, 304, 305, 400} {
		if isRedirectStatus(code) {
			t.Errorf("isRedirectStatus(%d) = true", code)
		}
	}
}
