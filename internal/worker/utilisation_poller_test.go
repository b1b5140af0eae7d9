package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	relay "github.com/relaystack/subrelay/internal"
)

type fakeTracker struct {
	samples map[string]relay.UtilisationSample
}

func (f *fakeTracker) SetUtilisation(samples map[string]relay.UtilisationSample) {
	f.samples = samples
}

func TestUtilisationPollerPushesSamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"subscriptions": map[string]any{
				"primary": map[string]any{
					"five_hour":  map[string]float64{"percent": 42, "hours_to_reset": 1.5},
					"seven_day":  map[string]float64{"percent": 10, "hours_to_reset": 20},
				},
			},
		})
	}))
	defer srv.Close()

	tr := &fakeTracker{}
	p := &UtilisationPoller{URL: srv.URL, Interval: 10 * time.Millisecond, Tracker: tr}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if tr.samples == nil {
		t.Fatalf("expected samples to be pushed into the tracker")
	}
	sample, ok := tr.samples["primary"]
	if !ok {
		t.Fatalf("expected a sample for subscription 'primary'")
	}
	if sample.FiveHour.Percent != 42 {
		t.Fatalf("expected five_hour percent 42, got %v", sample.FiveHour.Percent)
	}
}

func TestUtilisationPollerDisabledWithoutURL(t *testing.T) {
	tr := &fakeTracker{}
	p := &UtilisationPoller{Tracker: tr}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
	if tr.samples != nil {
		t.Fatalf("expected no samples pushed when URL is empty")
	}
}
