package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/relay"
)

func (s *Server) decodeChat(r *http.Request) (relay.ChatRequest, error) {
	raw, err := readValidated(r, s.schemas.chat)
	if err != nil {
		return relay.ChatRequest{}, fmt.Errorf("%w: %v", relay.ErrInvalidRequest, err)
	}
	var req relay.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return relay.ChatRequest{}, fmt.Errorf("%w: %v", relay.ErrInvalidRequest, err)
	}
	return req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChat(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reply, err := s.relay.Chat(r.Context(), req)
	if err != nil {
		status, code := classify(err)
		respondError(w, status, code, err.Error())
		return
	}
	w.Header().Set("X-Exchange-Id", reply.ExchangeID)
	respondJSON(w, http.StatusOK, reply)
}

// handleChatStream writes the reply as a plain-text body, flushing every chunk. Leaving
// early only detaches this client; the relay still persists the full reply.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChat(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := s.relay.Stream(r.Context(), req)
	if err != nil {
		status, _ := classify(err)
		http.Error(w, err.Error(), status)
		return
	}
	defer reply.Detach()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Exchange-Id", reply.ExchangeID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		chunk, err := reply.Recv(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				// Headers are gone already; the truncated body is the only signal left.
				s.logger.WarnContext(r.Context(), "stream to client ended early",
					"session_id", req.SessionID, "exchange_id", reply.ExchangeID, "error", err)
			}
			return
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return
		}
		s.metrics.ObserveStreamChunk(reply.Name())
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type resetRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	raw, err := readValidated(r, s.schemas.reset)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req resetRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.relay.Reset(r.Context(), req.SessionID); err != nil {
		status, code := classify(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHistory returns the session snapshot tagged with a digest of its canonical JSON.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	rec, err := s.relay.Snapshot(r.Context(), sessionID)
	if err != nil {
		status, code := classify(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondSnapshot(w, r, rec)
}

func respondSnapshot(w http.ResponseWriter, r *http.Request, rec memory.Record) {
	if rec.History == nil {
		rec.History = []memory.Turn{}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	etag, err := snapshotETag(raw)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
