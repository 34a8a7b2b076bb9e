// Package httpapi serves the chat relay over HTTP and websockets, plus the internal
// session actor routes and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/inference"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/session"
)

const maxBodyBytes = 1 << 20

type Server struct {
	relay    *relay.Relay
	actor    session.Actor
	metrics  *observability.Metrics
	logger   *slog.Logger
	schemas  *schemas
	upgrader websocket.Upgrader
}

// New builds the HTTP surface. When actor is non-nil its operations are also served
// on the /internal/sessions routes so other relay instances can use it remotely.
func New(rl *relay.Relay, actor session.Actor, metrics *observability.Metrics, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		relay:   rl,
		actor:   actor,
		metrics: metrics,
		logger:  logger,
		schemas: sc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Every origin is allowed, matching the CORS policy of the HTTP routes.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("running"))
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/chat", s.handleChat)
	r.Post("/api/chat/stream", s.handleChatStream)
	r.Post("/api/reset", s.handleReset)
	r.Get("/api/history", s.handleHistory)
	r.Get("/api/chat/ws", s.handleChatWS)

	if s.actor != nil {
		r.Route("/internal/sessions/{id}", func(r chi.Router) {
			r.Get("/history", s.handleActorHistory)
			r.Post("/append", s.handleActorAppend)
			r.Post("/set-summary", s.handleActorSetSummary)
			r.Post("/reset", s.handleActorReset)
		})
	}

	return r
}

// cors permits any origin and answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "content-type")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":      "ok",
		"actor_local": false,
	}
	if m, ok := s.actor.(*session.Manager); ok {
		status["actor_local"] = true
		status["active_actors"] = m.ActiveCount()
	}
	respondJSON(w, http.StatusOK, status)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// classify maps a relay or actor error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, session.ErrInvalidTurn):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrTransient):
		return http.StatusInternalServerError, "session_unavailable"
	case errors.Is(err, inference.ErrUpstream):
		return http.StatusInternalServerError, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
