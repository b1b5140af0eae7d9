// Package dispatcher implements the request dispatcher: pre-admission
// checks, per-attempt header rewriting, streaming detection, and the
// retry-on-429 control flow that ties the tracker to the upstream client.
package dispatcher

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/relaystack/subrelay/internal"
	"github.com/relaystack/subrelay/internal/tracker"
)

// maxBodyBytes bounds the request body admitted for proxying. Anthropic
// messages requests are text + occasional small attachments, not bulk
// uploads, so 10 MiB is generous headroom rather than a tight fit.
const maxBodyBytes = 10 << 20

// Secrets resolves a subscription's credential by name. Implemented by the
// config-backed store the server wires in; kept as an interface so tests
// can supply a fixed map.
type Secrets interface {
	Secret(subscription string) (string, bool)
}

// Usage records one proxied request (its final status and the subscription
// that served it, if any), fire-and-forget.
type Usage interface {
	Record(relay.UsageRecord)
}

// Dispatcher is the http.Handler mounted at the proxy route.
type Dispatcher struct {
	Tracker    *tracker.Tracker
	Upstream   interface {
		Send(ctx context.Context, method, path string, headers http.Header, body io.Reader) (*http.Response, error)
	}
	Secrets    Secrets
	Usage      Usage // nil disables usage recording
	MaxRetries int   // additional attempts after the first 429; spec default is small (e.g. 2)
}

// ServeHTTP implements the single `/v1/*` proxy route.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := relay.RequestIDFromContext(ctx)
	clientID := r.Header.Get("X-Client-Id")

	body, err := readBoundedBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	streaming := gjson.GetBytes(body, "stream").Bool()
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	start := time.Now()
	var status int
	var name string

	if streaming {
		status, name = d.dispatchStreaming(ctx, w, r, path, body, clientID)
	} else {
		status, name = d.dispatchWithRetry(ctx, w, r, path, body, clientID)
	}

	if d.Usage != nil {
		d.Usage.Record(relay.UsageRecord{
			ClientID:     clientID,
			Subscription: name,
			StatusCode:   status,
			LatencyMs:    time.Since(start).Milliseconds(),
			CreatedAt:    start.Unix(),
		})
	}

	_ = requestID
}

// readBoundedBody reads the inbound request body up to maxBodyBytes+1,
// rejecting both the declared Content-Length and the actual stream length
// so a client cannot evade the cap by omitting or lying about the header.
func readBoundedBody(r *http.Request) ([]byte, error) {
	if r.ContentLength > maxBodyBytes {
		return nil, relay.ErrBodyTooLarge
	}
	limited := io.LimitReader(r.Body, maxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, relay.ErrBodyTooLarge
	}
	return data, nil
}

// dispatchWithRetry runs the non-streaming retry loop: select, acquire,
// send; on 429 cooldown the subscription and try the next eligible one
// (excluding everything already tried); on 5xx or transport/timeout failure,
// record and return immediately -- those are not grounds for a blind retry.
func (d *Dispatcher) dispatchWithRetry(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, body []byte, clientID string) (int, string) {
	excluded := make(map[string]struct{})

	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		name, ok := d.Tracker.Select(tracker.SelectOptions{ClientID: clientID, Exclude: excluded})
		if !ok {
			writeError(w, relay.ErrNoCapacity)
			return http.StatusServiceUnavailable, ""
		}

		handle, ok := d.Tracker.Acquire(name)
		if !ok {
			// Lost the race for the last slot: exclude and reselect without
			// counting this as a tried-and-failed attempt against the retry budget.
			excluded[name] = struct{}{}
			attempt--
			continue
		}

		status, retry := d.attempt(ctx, w, r, path, body, name, handle)
		if !retry {
			return status, name
		}
		excluded[name] = struct{}{}
	}

	writeError(w, relay.ErrUpstreamRateLimit)
	return http.StatusTooManyRequests, ""
}

// attempt sends one request against one acquired subscription. It returns
// the status written to the client (0 if none yet) and whether the
// dispatcher should retry against a different subscription.
func (d *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, body []byte, name string, handle tracker.Handle) (int, bool) {
	defer handle.Release()

	secret, ok := d.Secrets.Secret(name)
	if !ok {
		d.Tracker.RecordError(name)
		writeError(w, relay.ErrNotInitialised)
		return http.StatusServiceUnavailable, false
	}

	headers := buildUpstreamHeaders(r.Header, secret)
	resp, err := d.Upstream.Send(ctx, r.Method, path, headers, newBodyReader(body))
	if err != nil {
		d.Tracker.RecordError(name)
		writeError(w, err)
		return statusForErr(err), false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		d.Tracker.RecordRateLimit(name)
		return 0, true
	}
	if resp.StatusCode >= 500 {
		d.Tracker.RecordError(name)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	return resp.StatusCode, false
}

// dispatchStreaming forwards a streaming request to exactly one
// subscription: there is no retry-on-429 for a stream the client may
// already be reading from, per the no-buffering contract. A 429 closes the
// connection, cools the subscription down, and is surfaced to the client
// as 429 rather than silently hanging.
func (d *Dispatcher) dispatchStreaming(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, body []byte, clientID string) (int, string) {
	name, ok := d.Tracker.Select(tracker.SelectOptions{ClientID: clientID})
	if !ok {
		writeError(w, relay.ErrNoCapacity)
		return http.StatusServiceUnavailable, ""
	}

	handle, ok := d.Tracker.Acquire(name)
	if !ok {
		writeError(w, relay.ErrNoCapacity)
		return http.StatusServiceUnavailable, ""
	}
	defer handle.Release()

	secret, ok := d.Secrets.Secret(name)
	if !ok {
		d.Tracker.RecordError(name)
		writeError(w, relay.ErrNotInitialised)
		return http.StatusServiceUnavailable, name
	}

	headers := buildUpstreamHeaders(r.Header, secret)
	resp, err := d.Upstream.Send(ctx, r.Method, path, headers, newBodyReader(body))
	if err != nil {
		d.Tracker.RecordError(name)
		writeError(w, err)
		return statusForErr(err), name
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		d.Tracker.RecordRateLimit(name)
		writeError(w, relay.ErrUpstreamRateLimit)
		return http.StatusTooManyRequests, name
	}
	if resp.StatusCode >= 500 {
		d.Tracker.RecordError(name)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				slog.Warn("stream write failed", "error", writeErr, "subscription", name)
				break
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Warn("stream read failed", "error", readErr, "subscription", name)
			}
			break
		}
	}
	return resp.StatusCode, name
}

func statusForErr(err error) int {
	status, _, _ := relay.ClassifyError(err)
	return status
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
