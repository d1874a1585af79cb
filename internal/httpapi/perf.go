package httpapi

import (
	"net/http"

	"github.com/pgvoice/voiceagent/internal/observability"
)

// handlePerfLatency serves the rolling per-stage latencies. A server without
// metrics reports an empty window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	var window *observability.LatencyWindow
	if s.metrics != nil {
		window = s.metrics.Latency
	}
	respondJSON(w, http.StatusOK, window.Snapshot())
}
