package httpgw

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wallcrawler/cdp-proxy/internal/classifier"
)

// metricsResponse is the read-only /metrics snapshot (supplemented feature
// C.1), grounded on the teacher's handleMetrics
// (internal/cdpproxy/handlers.go, now removed).
type metricsResponse struct {
	ActiveSessions int64            `json:"active_sessions"`
	TotalSessions  int64            `json:"total_sessions"`
	BrowserState   string           `json:"browser_state"`
	ErrorCounts    map[string]int64 `json:"error_counts"`
}

// HandleMetrics reports active/total session counts, the classifier's
// per-kind error counters for its global bucket (errors reported without a
// session id; per-session counters are not included), and the browser
// supervisor's state.
func (g *Gateway) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := g.sessions.Stats()

	resp := metricsResponse{
		ActiveSessions: int64(stats.Active),
		TotalSessions:  stats.Total,
		BrowserState:   g.browser.State().String(),
		ErrorCounts: map[string]int64{
			string(classifier.KindConnection): g.classifier.Count(classifier.KindConnection, ""),
			string(classifier.KindProtocol):   g.classifier.Count(classifier.KindProtocol, ""),
			string(classifier.KindValidation): g.classifier.Count(classifier.KindValidation, ""),
			string(classifier.KindResource):   g.classifier.Count(classifier.KindResource, ""),
			string(classifier.KindPlugin):     g.classifier.Count(classifier.KindPlugin, ""),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type healthResponse struct {
	Status       string `json:"status"`
	BrowserState string `json:"browser_state"`
}

// HandleHealth reports whether the browser supervisor is running, per a
// fresh /json/version poll (supplemented feature C.2).
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	if _, err := g.browser.GetWebSocketURL(ctx); err != nil {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:       status,
		BrowserState: g.browser.State().String(),
	})
}
