package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/relay"
)

const (
	wsReadLimit    = 1 << 20
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

// handleChatWS serves streamed replies over one socket. Requests on a connection are
// answered one at a time; frames that arrive meanwhile wait their turn.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, 16)
	go func() {
		defer cancel()
		defer close(inbound)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-inbound:
			if !ok {
				return
			}
			if err := s.serveWSFrame(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

// serveWSFrame handles one client frame. A returned error means the socket is unusable.
func (s *Server) serveWSFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return s.writeFrame(conn, protocol.TypeErrorEvent, protocol.NewErrorEvent("", "invalid_client_message", err.Error(), false))
	}
	msg, ok := parsed.(protocol.ChatRequest)
	if !ok {
		return s.writeFrame(conn, protocol.TypeErrorEvent, protocol.NewErrorEvent("", "invalid_client_message", "unsupported frame", false))
	}
	s.metrics.ObserveWSMessage("inbound", string(msg.Type))

	reply, err := s.relay.Stream(ctx, relay.ChatRequest{SessionID: msg.SessionID, Message: msg.Message})
	if err != nil {
		status, code := classify(err)
		retryable := status >= http.StatusInternalServerError
		return s.writeFrame(conn, protocol.TypeErrorEvent, protocol.NewErrorEvent(msg.SessionID, code, err.Error(), retryable))
	}
	defer reply.Detach()

	for {
		chunk, err := reply.Recv(ctx)
		switch {
		case err == nil:
			if werr := s.writeFrame(conn, protocol.TypeAssistantTextDelta, protocol.NewTextDelta(msg.SessionID, reply.ExchangeID, chunk)); werr != nil {
				return werr
			}
			s.metrics.ObserveStreamChunk(reply.Name())
		case errors.Is(err, io.EOF):
			return s.writeFrame(conn, protocol.TypeAssistantTurnEnd, protocol.NewTurnEnd(msg.SessionID, reply.ExchangeID, protocol.ReasonCompleted))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			ev := protocol.NewErrorEvent(msg.SessionID, "upstream_error", err.Error(), true)
			ev.ExchangeID = reply.ExchangeID
			if werr := s.writeFrame(conn, protocol.TypeErrorEvent, ev); werr != nil {
				return werr
			}
			return s.writeFrame(conn, protocol.TypeAssistantTurnEnd, protocol.NewTurnEnd(msg.SessionID, reply.ExchangeID, protocol.ReasonInterrupted))
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msgType protocol.MessageType, frame any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return err
	}
	s.metrics.ObserveWSMessage("outbound", string(msgType))
	return nil
}
