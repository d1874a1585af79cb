package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pgvoice/voiceagent/internal/bridge"
	"github.com/pgvoice/voiceagent/internal/config"
	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/observability"
	"github.com/pgvoice/voiceagent/internal/session"
	"github.com/pgvoice/voiceagent/internal/store"
)

const maxClientFrame = 2 << 20

// ConversationReader is the read side of the conversation store.
type ConversationReader interface {
	GetConversation(ctx context.Context, id int64) (conversation.Record, error)
	ListConversations(ctx context.Context, limit, offset int) ([]conversation.Record, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Sessions      *session.Registry
	Conversations ConversationReader
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	// Bridge is copied for every connection; ID and Conn are filled in.
	Bridge bridge.Options

	ProviderName string
	StoreMode    string
}

type Server struct {
	cfg      config.Config
	deps     Deps
	sessions *session.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewRegistry(deps.Metrics)
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		sessions: sessions,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers must connect from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Sessions() *session.Registry { return s.sessions }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/api/ws", s.handleWS)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/sessions", s.handleListSessions)
	r.Get("/api/perf/latency", s.handlePerfLatency)
	r.Get("/api/conversation", s.handleListConversations)
	r.Get("/api/conversation/{id}", s.handleGetConversation)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Conversations.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.deps.StoreMode,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxClientFrame)

	id := uuid.NewString()
	opts := s.deps.Bridge
	opts.ID = id
	opts.Conn = conn
	opts.Metrics = s.metrics
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	b := bridge.New(opts)

	if err := s.sessions.Register(id, b); err != nil {
		s.logger.Error("register bridge failed", "bridge_id", id, "error", err)
		_ = conn.Close()
		return
	}
	defer s.sessions.Unregister(id)

	s.logger.Info("client connected", "bridge_id", id, "remote_addr", r.RemoteAddr)
	b.Run()
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation store not configured")
		return
	}
	limit, err := queryInt(r, "limit", store.DefaultListLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_offset", err.Error())
		return
	}

	recs, err := s.deps.Conversations.ListConversations(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", "could not list conversations")
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation store not configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "conversation id must be a positive integer")
		return
	}

	rec, err := s.deps.Conversations.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("get conversation failed", "conversation_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", "could not load conversation")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return v, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
