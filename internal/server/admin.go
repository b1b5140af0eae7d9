package server

import (
	"encoding/json"
	"net/http"

	relay "github.com/relaystack/subrelay/internal"
)

const maxAdminBody = 1 << 20 // 1 MiB

type apiError struct {
	Error string `json:"error"`
}

func errorResponse(msg string) apiError { return apiError{Error: msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// handleStatus reports a point-in-time view of every subscription: active
// count, available capacity, cooldown state, and lifetime counters.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tracker.Status())
}

// utilisationWindow mirrors relay.Window for the wire format.
type utilisationWindow struct {
	Percent      float64 `json:"percent"`
	HoursToReset float64 `json:"hours_to_reset"`
}

type utilisationSample struct {
	FiveHour utilisationWindow `json:"five_hour"`
	SevenDay utilisationWindow `json:"seven_day"`
}

// handleUtilisation accepts a push of per-subscription quota utilisation
// from the optional companion service, keyed by subscription name.
func (s *server) handleUtilisation(w http.ResponseWriter, r *http.Request) {
	var body map[string]utilisationSample
	if !decodeJSON(w, r, &body) {
		return
	}

	samples := make(map[string]relay.UtilisationSample, len(body))
	for name, u := range body {
		samples[name] = relay.UtilisationSample{
			FiveHour: relay.Window{Percent: u.FiveHour.Percent, HoursToReset: u.FiveHour.HoursToReset},
			SevenDay: relay.Window{Percent: u.SevenDay.Percent, HoursToReset: u.SevenDay.HoursToReset},
		}
	}
	s.deps.Tracker.SetUtilisation(samples)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(samples)})
}

// handleReload triggers a fresh config reload. Disabled (501) when the
// server was wired without a Reloader.
func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reloader == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("reload not supported"))
		return
	}
	s.deps.Reloader.Reload()
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}
