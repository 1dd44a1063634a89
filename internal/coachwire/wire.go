package coachwire

import (
	"encoding/json"

	"github.com/stridefit/coachlink/internal/domain"
)

// Event type discriminators used on the inbound side of the socket.
const (
	EventChunk      = "chunk"
	EventStatus     = "status"
	EventComplete   = "complete"
	EventTerminated = "terminated"
	EventError      = "error"
	EventSignal     = "signal"
)

// GreetingTrigger is a synthetic client-sent message replayed on reconnect so
// the coach service can decide whether to emit a first assistant greeting.
const GreetingTrigger = "__greeting__"

// OutboundMessage is the client -> coach payload. The history is best-effort
// context; the remote side remains the source of truth for durable history.
type OutboundMessage struct {
	Type                string           `json:"type"`
	Message             string           `json:"message"`
	ConversationHistory []domain.Message `json:"conversation_history"`
}

// NewOutboundMessage wraps a user message and its local history view.
func NewOutboundMessage(message string, history []domain.Message) OutboundMessage {
	return OutboundMessage{
		Type:                "message",
		Message:             message,
		ConversationHistory: history,
	}
}

// InboundEvent is the discriminated envelope the coach service streams back.
// Exactly one payload field is meaningful per event type.
type InboundEvent struct {
	Type string `json:"type"`

	// EventChunk
	Content string `json:"content,omitempty"`

	// EventStatus
	Status string `json:"status,omitempty"`

	// EventTerminated
	Reason string `json:"reason,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`

	// EventSignal
	Signal string          `json:"signal,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Chunk builds a content chunk event.
func Chunk(content string) InboundEvent {
	return InboundEvent{Type: EventChunk, Content: content}
}

// Status builds a transient progress event.
func Status(text string) InboundEvent {
	return InboundEvent{Type: EventStatus, Status: text}
}

// Complete builds a stream completion event.
func Complete() InboundEvent {
	return InboundEvent{Type: EventComplete}
}

// Terminated builds a server-initiated cut-off event.
func Terminated(reason string) InboundEvent {
	return InboundEvent{Type: EventTerminated, Reason: reason}
}

// Error builds an error event.
func Error(message string) InboundEvent {
	return InboundEvent{Type: EventError, Message: message}
}

// Signal builds an out-of-band domain signal, e.g. workout-template-approved.
func Signal(signal string, data json.RawMessage) InboundEvent {
	return InboundEvent{Type: EventSignal, Signal: signal, Data: data}
}
