package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	relay "github.com/relaystack/subrelay/internal"
	"github.com/relaystack/subrelay/internal/tracker"
)

type fakeSecrets map[string]string

func (f fakeSecrets) Secret(name string) (string, bool) {
	s, ok := f[name]
	return s, ok
}

type fakeUsage struct {
	records []relay.UsageRecord
}

func (f *fakeUsage) Record(r relay.UsageRecord) { f.records = append(f.records, r) }

// fakeUpstream replays one response per call, in order, or an error.
type fakeUpstream struct {
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeUpstream) Send(_ context.Context, _, _ string, _ http.Header, _ io.Reader) (*http.Response, error) {
	r := f.responses[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

func newTestDispatcher(t *testing.T, up *fakeUpstream, maxRetries int) (*Dispatcher, *fakeUsage) {
	t.Helper()
	tr, err := tracker.New(tracker.Options{
		Subscriptions: []relay.SubscriptionConfig{
			{Name: "a", MaxConcurrent: 2, Priority: 1, Enabled: true},
			{Name: "b", MaxConcurrent: 2, Priority: 2, Enabled: true},
		},
		CooldownBase: time.Minute,
	})
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	usage := &fakeUsage{}
	return &Dispatcher{
		Tracker:    tr,
		Upstream:   up,
		Secrets:    fakeSecrets{"a": "sk-ant-a", "b": "sk-ant-b"},
		Usage:      usage,
		MaxRetries: maxRetries,
	}, usage
}

func TestDispatchNonStreamingSuccess(t *testing.T) {
	up := &fakeUpstream{responses: []fakeResponse{{status: 200, body: `{"ok":true}`}}}
	d, usage := newTestDispatcher(t, up, 2)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude"}`))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(usage.records) != 1 {
		t.Fatalf("expected one usage record, got %d", len(usage.records))
	}
}

func TestDispatchRetriesOn429ThenSucceeds(t *testing.T) {
	up := &fakeUpstream{responses: []fakeResponse{
		{status: 429, body: ""},
		{status: 200, body: `{"ok":true}`},
	}}
	d, _ := newTestDispatcher(t, up, 2)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude"}`))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected eventual 200, got %d", w.Code)
	}
	if up.calls != 2 {
		t.Fatalf("expected exactly 2 upstream attempts, got %d", up.calls)
	}
}

func TestDispatchStopsRetryingOn5xx(t *testing.T) {
	up := &fakeUpstream{responses: []fakeResponse{{status: 500, body: "boom"}}}
	d, _ := newTestDispatcher(t, up, 2)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude"}`))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if w.Code != 500 {
		t.Fatalf("expected the upstream's own 500 passed through, got %d", w.Code)
	}
	if up.calls != 1 {
		t.Fatalf("expected no retry on a 5xx, got %d calls", up.calls)
	}
}

func TestDispatchRejectsOversizedBody(t *testing.T) {
	up := &fakeUpstream{}
	d, _ := newTestDispatcher(t, up, 2)

	big := strings.Repeat("a", maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(big))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if up.calls != 0 {
		t.Fatalf("expected no upstream call for an oversized body")
	}
}

func TestDispatchStreamingDoesNotRetryOn429(t *testing.T) {
	up := &fakeUpstream{responses: []fakeResponse{{status: 429, body: ""}}}
	d, _ := newTestDispatcher(t, up, 2)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude","stream":true}`))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 surfaced directly for a streaming request, got %d", w.Code)
	}
	if up.calls != 1 {
		t.Fatalf("streaming must never retry, got %d calls", up.calls)
	}
}
