package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	Provider       string        `json:"upstream_provider"`
	StoreMode      string        `json:"store_mode"`
	DevMode        bool          `json:"dev_mode"`
	ActiveSessions int           `json:"active_sessions"`
	Checks         []statusCheck `json:"checks"`
}

// handleStatus reports which collaborators are configured, with hints for the
// ones that are not.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 5)

	switch s.deps.ProviderName {
	case "deepgram":
		checks = append(checks, statusCheck{ID: "upstream", Status: "ok", Label: "Voice agent", Detail: "deepgram"})
	case "mock":
		checks = append(checks, statusCheck{
			ID:     "upstream",
			Status: "warn",
			Label:  "Voice agent is mock",
			Detail: "Audio is echoed back; no agent is reached.",
			Fix:    "Set DEEPGRAM_API_KEY to use the Deepgram agent.",
		})
	default:
		checks = append(checks, statusCheck{ID: "upstream", Status: "error", Label: "Voice agent", Detail: "not configured"})
	}

	if strings.TrimSpace(s.cfg.BackendBaseURL) == "" {
		checks = append(checks, statusCheck{
			ID:     "backend",
			Status: "error",
			Label:  "Property backend",
			Detail: "BACKEND_BASE_URL is not set",
			Fix:    "Set BACKEND_BASE_URL so property, calendar and appointment tools can run.",
		})
	} else {
		checks = append(checks, statusCheck{ID: "backend", Status: "ok", Label: "Property backend", Detail: s.cfg.BackendBaseURL})
	}

	if s.deps.StoreMode == "postgres" {
		checks = append(checks, statusCheck{ID: "store", Status: "ok", Label: "Conversation store", Detail: "postgres"})
	} else {
		checks = append(checks, statusCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Conversation store",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to persist conversations across restarts.",
		})
	}

	if s.cfg.NatsURL == "" {
		checks = append(checks, statusCheck{ID: "events", Status: "warn", Label: "Event publishing", Detail: "disabled", Fix: "Set NATS_URL to publish conversation events."})
	} else {
		checks = append(checks, statusCheck{ID: "events", Status: "ok", Label: "Event publishing", Detail: "nats"})
	}

	if s.cfg.DevMode {
		checks = append(checks, statusCheck{ID: "dev_mode", Status: "warn", Label: "Diagnostic mode", Detail: "tool traffic is mirrored to clients"})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Provider:       s.deps.ProviderName,
		StoreMode:      s.deps.StoreMode,
		DevMode:        s.cfg.DevMode,
		ActiveSessions: s.sessions.ActiveCount(),
		Checks:         checks,
	})
}
