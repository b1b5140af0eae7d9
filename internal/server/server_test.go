package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/relaystack/subrelay/internal"
	"github.com/relaystack/subrelay/internal/telemetry"
	"github.com/relaystack/subrelay/internal/tracker"
)

type echoDispatcher struct{}

func (echoDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("dispatched"))
}

// asLoopback sets RemoteAddr to a loopback peer; httptest.NewRequest
// defaults to a non-loopback test address (192.0.2.1), which edgeAdmission
// would otherwise reject.
func asLoopback(r *http.Request) *http.Request {
	r.RemoteAddr = "127.0.0.1:54321"
	return r
}

func newTestTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	tr, err := tracker.New(tracker.Options{
		Subscriptions: []relay.SubscriptionConfig{
			{Name: "primary", MaxConcurrent: 3, Priority: 1, Enabled: true},
		},
		CooldownBase: time.Minute,
	})
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	return tr
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t)})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzReflectsReadyCheck(t *testing.T) {
	h := New(Deps{
		Dispatcher: echoDispatcher{},
		Tracker:    newTestTracker(t),
		ReadyCheck: func(ctx context.Context) error { return errors.New("not yet") },
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when ReadyCheck fails, got %d", w.Code)
	}
}

func TestV1RouteDelegatesToDispatcher(t *testing.T) {
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t)})
	req := asLoopback(httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "dispatched" {
		t.Fatalf("expected dispatched response, got %d %q", w.Code, w.Body.String())
	}
}

func TestV1RouteRejectsRemoteCallerWithoutExternalAccess(t *testing.T) {
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t)})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a remote caller with external access disabled, got %d", w.Code)
	}
}

func TestV1RouteAdmitsRemoteCallerWithValidToken(t *testing.T) {
	h := New(Deps{
		Dispatcher: echoDispatcher{},
		Tracker:    newTestTracker(t),
		External:   ExternalAccess{Enabled: true, Token: "shared-secret"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil))
	req.Header.Set("X-Api-Token", "shared-secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "dispatched" {
		t.Fatalf("expected dispatched response for a valid external token, got %d %q", w.Code, w.Body.String())
	}
}

func TestV1RouteRejectsRemoteCallerWithWrongToken(t *testing.T) {
	h := New(Deps{
		Dispatcher: echoDispatcher{},
		Tracker:    newTestTracker(t),
		External:   ExternalAccess{Enabled: true, Token: "shared-secret"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil))
	req.Header.Set("X-Api-Token", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong external token, got %d", w.Code)
	}
}

func TestV1RouteEnforcesClientAllowlist(t *testing.T) {
	h := New(Deps{
		Dispatcher: echoDispatcher{},
		Tracker:    newTestTracker(t),
		External:   ExternalAccess{Enabled: true, Token: "shared-secret", AllowedClients: []string{"client-a"}},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil))
	req.Header.Set("X-Api-Token", "shared-secret")
	req.Header.Set("X-Client-Id", "client-b")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a client outside the allowlist, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil))
	req.Header.Set("X-Api-Token", "shared-secret")
	req.Header.Set("X-Client-Id", "client-a")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for an allowlisted client, got %d", w.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t), AdminToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAdminRoutesAbsentWithoutToken(t *testing.T) {
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t)})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected admin routes disabled (404), got %d", w.Code)
	}
}

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t), Metrics: m})

	req := asLoopback(httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "subrelay_requests_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected subrelay_requests_total to be registered and populated")
	}
}

func TestTracingMiddlewareDoesNotBreakDispatch(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t), Tracer: tracer})

	req := asLoopback(httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(nil)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "dispatched" {
		t.Fatalf("expected dispatched response with tracing enabled, got %d %q", w.Code, w.Body.String())
	}
}

func TestUtilisationIngestAcceptsPush(t *testing.T) {
	h := New(Deps{Dispatcher: echoDispatcher{}, Tracker: newTestTracker(t), AdminToken: "secret"})

	body, _ := json.Marshal(map[string]any{
		"primary": map[string]any{
			"five_hour": map[string]float64{"percent": 55, "hours_to_reset": 2},
			"seven_day": map[string]float64{"percent": 20, "hours_to_reset": 100},
		},
	})
	req := httptest.NewRequest(http.MethodPut, "/admin/v1/utilisation", bytes.NewReader(body))
	req.Header.Set("X-Admin-Token", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
