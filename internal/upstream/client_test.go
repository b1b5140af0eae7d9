package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	relay "github.com/relaystack/subrelay/internal"
)

func TestClientSendPassesHeadersAndPath(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.Client(), srv.URL)
	headers := http.Header{"X-Api-Key": []string{"sk-test"}}

	resp, err := c.Send(context.Background(), http.MethodPost, "/v1/messages", headers, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp.Body.Close()

	if gotPath != "/v1/messages" {
		t.Fatalf("expected path /v1/messages, got %q", gotPath)
	}
	if gotKey != "sk-test" {
		t.Fatalf("expected x-api-key to pass through, got %q", gotKey)
	}
}

func TestClientSendPreservesQueryString(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.Client(), srv.URL)
	resp, err := c.Send(context.Background(), http.MethodGet, "/v1/messages/batches?limit=20&after_id=msgbatch_1", http.Header{}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp.Body.Close()

	if gotPath != "/v1/messages/batches" {
		t.Fatalf("expected path /v1/messages/batches, got %q", gotPath)
	}
	if gotQuery != "limit=20&after_id=msgbatch_1" {
		t.Fatalf("expected query string to pass through untouched, got %q", gotQuery)
	}
}

func TestClassifyDistinguishesTimeoutFromTransport(t *testing.T) {
	if !isTimeoutClassified(classify(context.DeadlineExceeded)) {
		t.Fatalf("context.DeadlineExceeded must classify as timeout")
	}
	if isTimeoutClassified(classify(errConnRefused{})) {
		t.Fatalf("a non-timeout transport error must not classify as timeout")
	}
}

type errConnRefused struct{}

func (errConnRefused) Error() string { return "connection refused" }

func isTimeoutClassified(err error) bool {
	return strings.Contains(err.Error(), relay.ErrUpstreamTimeout.Error())
}

func TestNewClientDefaultsTimeout(t *testing.T) {
	c := NewClient(nil, 0)
	if c.Timeout != 300*time.Second {
		t.Fatalf("expected default 300s timeout, got %v", c.Timeout)
	}
}
