package api

import (
	"net/http"
	"time"

	"github.com/stakeboard/stakeboard/internal/staking"
)

// startTime records when the server package was initialized for uptime calculation.
var startTime = time.Now()

// HealthResponse is the JSON response for the /health endpoint
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Sync     string `json:"sync"`
	Sequence uint64 `json:"sequence"`
	Version  string `json:"version"`
	Reason   string `json:"reason,omitempty"`
}

// handleHealthCheck handles GET /health. The gateway is healthy once the
// synchronizer is connected and has published a full snapshot.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Sync:    s.svc.State().String(),
		Version: s.config.Version,
	}
	if s.metrics != nil {
		resp.Uptime = s.metrics.GetMetrics().Uptime
	} else {
		resp.Uptime = time.Since(startTime).Round(time.Second).String()
	}

	switch {
	case !s.Running():
		resp.Reason = "server not running"
	case s.svc.State() != staking.Connected:
		resp.Reason = "synchronizer " + resp.Sync
	case !s.svc.Ready():
		resp.Reason = "waiting for first snapshot"
	}

	if resp.Reason != "" {
		resp.Status = "unhealthy"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "healthy"
	resp.Sequence = s.svc.Snapshot().Sequence
	s.writeJSON(w, http.StatusOK, resp)
}
