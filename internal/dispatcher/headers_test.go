package dispatcher

import (
	"net/http"
	"testing"
)

func TestBuildUpstreamHeadersStripsAndRewrites(t *testing.T) {
	src := http.Header{
		"Authorization":  []string{"Bearer old"},
		"X-Api-Key":      []string{"old-key"},
		"Host":           []string{"client.example.com"},
		"Content-Length": []string{"42"},
		"Connection":     []string{"keep-alive"},
		"X-Custom":       []string{"preserved"},
	}

	out := buildUpstreamHeaders(src, "sk-ant-real-key")

	if out.Get("X-Api-Key") != "sk-ant-real-key" {
		t.Fatalf("expected x-api-key to be the subscription secret, got %q", out.Get("X-Api-Key"))
	}
	if out.Get("Authorization") != "" {
		t.Fatalf("expected no Authorization header for a non-oauth credential")
	}
	if out.Get("Host") != "" || out.Get("Content-Length") != "" || out.Get("Connection") != "" {
		t.Fatalf("expected hop-by-hop and transport headers stripped, got %v", out)
	}
	if out.Get("X-Custom") != "preserved" {
		t.Fatalf("expected unrelated headers to pass through")
	}
}

func TestCopyResponseHeadersStripsOnlyTheFourHopByHop(t *testing.T) {
	src := http.Header{
		"Content-Encoding":    []string{"gzip"},
		"Content-Length":      []string{"1234"},
		"Transfer-Encoding":   []string{"chunked"},
		"Connection":          []string{"keep-alive"},
		"Content-Type":        []string{"text/event-stream"},
		"Anthropic-Ratelimit": []string{"remaining=10"},
	}

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	if dst.Get("Content-Encoding") != "" || dst.Get("Content-Length") != "" ||
		dst.Get("Transfer-Encoding") != "" || dst.Get("Connection") != "" {
		t.Fatalf("expected the four hop-by-hop response headers stripped, got %v", dst)
	}
	if dst.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("expected Content-Type to pass through, got %q", dst.Get("Content-Type"))
	}
	if dst.Get("Anthropic-Ratelimit") != "remaining=10" {
		t.Fatalf("expected unrelated upstream headers to pass through")
	}
}

func TestBuildUpstreamHeadersUsesBearerForOAuthPrefix(t *testing.T) {
	out := buildUpstreamHeaders(http.Header{}, "sk-ant-oat01-abcdef")
	if out.Get("Authorization") != "Bearer sk-ant-oat01-abcdef" {
		t.Fatalf("expected bearer auth for oauth-prefixed credential, got %q", out.Get("Authorization"))
	}
	if out.Get("X-Api-Key") != "" {
		t.Fatalf("expected no x-api-key when using bearer auth")
	}
}
