package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest        MessageType = "chat_request"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeErrorEvent         MessageType = "error_event"
)

// Turn end reasons.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatRequest asks for one streamed reply on the socket.
type ChatRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   string      `json:"message"`
}

type AssistantTextDelta struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	ExchangeID string      `json:"exchangeId"`
	TextDelta  string      `json:"textDelta"`
}

type AssistantTurnEnd struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId"`
	ExchangeID string      `json:"exchangeId"`
	Reason     string      `json:"reason"`
}

type ErrorEvent struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"sessionId,omitempty"`
	ExchangeID string      `json:"exchangeId,omitempty"`
	Code       string      `json:"code"`
	Retryable  bool        `json:"retryable"`
	Detail     string      `json:"detail"`
}

func NewTextDelta(sessionID, exchangeID, delta string) AssistantTextDelta {
	return AssistantTextDelta{Type: TypeAssistantTextDelta, SessionID: sessionID, ExchangeID: exchangeID, TextDelta: delta}
}

func NewTurnEnd(sessionID, exchangeID, reason string) AssistantTurnEnd {
	return AssistantTurnEnd{Type: TypeAssistantTurnEnd, SessionID: sessionID, ExchangeID: exchangeID, Reason: reason}
}

func NewErrorEvent(sessionID, code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, SessionID: sessionID, Code: code, Detail: detail, Retryable: retryable}
}

// ParseClientMessage decodes one client frame. Required-field checks are left to the
// relay so socket and HTTP callers get the same validation.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
