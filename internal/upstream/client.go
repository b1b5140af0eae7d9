package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	relay "github.com/relaystack/subrelay/internal"
)

// BaseURL is the fixed upstream the proxy fronts. Unlike the teacher's
// gateway, which dispatches to different providers with different base
// URLs, every subscription here shares this one endpoint -- only the
// credential on the request differs.
const BaseURL = "https://api.anthropic.com"

// Client wraps the shared *http.Client with the Send contract the
// dispatcher drives. One Client is constructed per process and reused for
// every subscription and every request.
type Client struct {
	http    *http.Client
	baseURL string
}

// New wraps an already-configured *http.Client (see NewClient) targeting
// the fixed Anthropic upstream.
func New(httpClient *http.Client) *Client {
	return &Client{http: httpClient, baseURL: BaseURL}
}

// NewWithBaseURL is New with an overridable base URL, used by tests that
// point at a local httptest server instead of the real upstream.
func NewWithBaseURL(httpClient *http.Client, baseURL string) *Client {
	return &Client{http: httpClient, baseURL: baseURL}
}

// Send issues one upstream attempt. path is relative to the client's base
// URL (e.g. "/v1/messages", optionally with a "?query" suffix already
// appended); headers are the exact set the dispatcher has already
// rewritten for this attempt's credential. The caller owns closing the
// returned response body.
//
// The URL is built by plain string concatenation, not url.JoinPath:
// JoinPath treats its arguments as path segments and percent-escapes a
// literal "?" in path to "%3F", which would silently drop the query
// string from every forwarded request.
func (c *Client) Send(ctx context.Context, method, path string, headers http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header = headers

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// classify wraps a transport-level send failure with the sentinel that
// distinguishes a timeout (504 to the client) from any other transport
// failure (502 to the client), mirroring the teacher's error classification
// for failover decisions.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", relay.ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", relay.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", relay.ErrUpstreamTransport, err)
}
