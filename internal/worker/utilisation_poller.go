package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	relay "github.com/relaystack/subrelay/internal"
)

// UtilisationSetter pushes fresh samples into the tracker, keyed by
// subscription name. Implemented by *tracker.Tracker.
type UtilisationSetter interface {
	SetUtilisation(samples map[string]relay.UtilisationSample)
}

// utilisationResponse is the wire shape of the companion service's report.
type utilisationResponse struct {
	Subscriptions map[string]struct {
		FiveHour struct {
			Percent      float64 `json:"percent"`
			HoursToReset float64 `json:"hours_to_reset"`
		} `json:"five_hour"`
		SevenDay struct {
			Percent      float64 `json:"percent"`
			HoursToReset float64 `json:"hours_to_reset"`
		} `json:"seven_day"`
	} `json:"subscriptions"`
}

// UtilisationPoller periodically fetches per-subscription quota
// utilisation from an external companion service and pushes it into the
// tracker. Missing or stale data is neutral rather than fatal: a failed
// poll just leaves the tracker's existing (or zero-value) samples in place.
type UtilisationPoller struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Tracker  UtilisationSetter
}

func (p *UtilisationPoller) Name() string { return "utilisation-poller" }

// Run polls on Interval until ctx is cancelled. A zero URL disables the
// poller entirely -- it simply blocks on ctx and returns nil on cancel,
// so admin-pushed utilisation remains the only feed.
func (p *UtilisationPoller) Run(ctx context.Context) error {
	if p.URL == "" {
		<-ctx.Done()
		return nil
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.poll(ctx, client)
	for {
		select {
		case <-ticker.C:
			p.poll(ctx, client)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *UtilisationPoller) poll(ctx context.Context, client *http.Client) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		slog.Warn("utilisation poll request build failed", "error", err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("utilisation poll failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("utilisation poll returned non-200", "status", resp.StatusCode)
		return
	}

	var body utilisationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		slog.Warn("utilisation poll decode failed", "error", err)
		return
	}

	samples := make(map[string]relay.UtilisationSample, len(body.Subscriptions))
	for name, s := range body.Subscriptions {
		samples[name] = relay.UtilisationSample{
			FiveHour: relay.Window{Percent: s.FiveHour.Percent, HoursToReset: s.FiveHour.HoursToReset},
			SevenDay: relay.Window{Percent: s.SevenDay.Percent, HoursToReset: s.SevenDay.HoursToReset},
		}
	}
	p.Tracker.SetUtilisation(samples)
}
