package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/session"
)

// appendRequest accepts both a single {role, content} turn and {turns: [...]}.
type appendRequest struct {
	memory.Turn
	Turns []memory.Turn `json:"turns"`
	Key   string        `json:"key"`
}

func (a appendRequest) turns() []memory.Turn {
	if a.Turns != nil {
		return a.Turns
	}
	return []memory.Turn{a.Turn}
}

type setSummaryRequest struct {
	Summary string `json:"summary"`
}

// actorSessionID reads the {id} segment. Routing matches the escaped path, so the
// segment is unescaped here.
func actorSessionID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	id, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return id
}

func (s *Server) handleActorHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.actor.Read(r.Context(), actorSessionID(r))
	if err != nil {
		s.respondActorError(w, err)
		return
	}
	respondSnapshot(w, r, rec)
}

func (s *Server) handleActorAppend(w http.ResponseWriter, r *http.Request) {
	raw, err := readValidated(r, s.schemas.append)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req appendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.actor.AppendOnce(r.Context(), actorSessionID(r), req.Key, req.turns()...); err != nil {
		s.respondActorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleActorSetSummary(w http.ResponseWriter, r *http.Request) {
	raw, err := readValidated(r, s.schemas.summary)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req setSummaryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.actor.SetSummary(r.Context(), actorSessionID(r), req.Summary); err != nil {
		s.respondActorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleActorReset(w http.ResponseWriter, r *http.Request) {
	if err := s.actor.Reset(r.Context(), actorSessionID(r)); err != nil {
		s.respondActorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// respondActorError reports storage faults as 503 so remote callers can tell them
// apart from rejected input.
func (s *Server) respondActorError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrTransient) {
		s.logger.Warn("session actor operation failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "session_unavailable", err.Error())
		return
	}
	status, code := classify(err)
	respondError(w, status, code, err.Error())
}
