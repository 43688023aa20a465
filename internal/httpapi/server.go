package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatbridge/internal/config"
	"github.com/antoniostano/chatbridge/internal/observability"
	"github.com/antoniostano/chatbridge/internal/registry"
	"github.com/antoniostano/chatbridge/internal/router"
	"github.com/antoniostano/chatbridge/internal/session"
)

// Server exposes the visitor-facing HTTP surface: the websocket endpoint,
// a REST fallback for clients that cannot hold a socket open, and the
// operational endpoints.
type Server struct {
	cfg      config.Config
	sessions *session.Store
	conns    *registry.Registry
	bridge   *router.Router
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Store, conns *registry.Registry, bridge *router.Router, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		conns:    conns,
		bridge:   bridge,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. Widgets embedded on other sites must opt in
				// via APP_ALLOW_ANY_ORIGIN.
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

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleVisitorWS)
	r.Post("/v1/message", s.handlePostMessage)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type postMessageRequest struct {
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type postMessageResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// handlePostMessage is the fallback for clients without a live websocket.
// An omitted session id starts a fresh session; admin replies to such a
// session have nowhere to land until the visitor opens a socket for it.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "empty_content", "content is required")
		return
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
		if _, err := s.sessions.Create(id, visitorInfoFromRequest(r)); err != nil {
			if errors.Is(err, session.ErrStoreFull) {
				respondError(w, http.StatusServiceUnavailable, "server_busy", "session limit reached, try again later")
				return
			}
			respondError(w, http.StatusInternalServerError, "session_error", err.Error())
			return
		}
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}

	if err := s.bridge.HandleVisitorMessage(r.Context(), id, req.Content, req.Metadata); err != nil {
		if errors.Is(err, router.ErrSessionInvalid) {
			respondError(w, http.StatusGone, "session_invalid", "session has expired or ended")
			return
		}
		respondError(w, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, postMessageResponse{SessionID: id, Status: "sent"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	active := s.sessions.ListActive()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(active),
		"sessions": active,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions":    s.sessions.Stats(),
		"connections": s.conns.Stats(),
	})
}

func visitorInfoFromRequest(r *http.Request) session.VisitorInfo {
	remote := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if remote != "" {
		if i := strings.IndexByte(remote, ','); i >= 0 {
			remote = strings.TrimSpace(remote[:i])
		}
	} else {
		remote = r.RemoteAddr
	}
	return session.VisitorInfo{
		UserAgent:  r.UserAgent(),
		RemoteAddr: remote,
		Referrer:   r.Referer(),
		PageURL:    strings.TrimSpace(r.URL.Query().Get("page")),
		Language:   strings.TrimSpace(r.Header.Get("Accept-Language")),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
