package domain

import (
	"strings"
	"time"
)

// Kind identifies a logically distinct conversational feature. Each kind owns
// its own transport session and controller but shares the same protocol.
type Kind string

const (
	KindChat       Kind = "chat"
	KindOnboarding Kind = "onboarding"
	KindPlanning   Kind = "workout-planning"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// TempIDPrefix marks client-generated message ids that have not yet been
// replaced by a persistence-assigned id.
const TempIDPrefix = "temp-"

// CutOffMarker is appended to partial assistant content when the remote side
// terminates a stream before completion.
const CutOffMarker = "\n\n[message cut off]"

// Message is one finalized turn in a conversation. Content is immutable once
// the message has been appended to a conversation log; the only allowed
// pre-append mutation is the cut-off marker suffix on a terminated stream.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	Sequence       int       `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsTemp reports whether the message still carries a client-generated id.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// StreamingBuffer is the read-only view of an in-progress assistant reply.
// At most one exists per conversation at any time.
type StreamingBuffer struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	IsComplete     bool   `json:"is_complete"`
}

// Conversation mirrors the persistence collaborator's conversation record.
type Conversation struct {
	ID         string `json:"id"`
	ConfigName string `json:"config_name"`
}

// Health classifies link quality from recent probe samples. The ordering is
// worst to best.
type Health int

const (
	HealthUnknown Health = iota
	HealthOffline
	HealthPoor
	HealthGood
)

func (h Health) String() string {
	switch h {
	case HealthOffline:
		return "offline"
	case HealthPoor:
		return "poor"
	case HealthGood:
		return "good"
	default:
		return "unknown"
	}
}

// NetworkSample is one probe result kept in the monitor's ring buffer.
type NetworkSample struct {
	Latency   time.Duration `json:"latency_ms"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}
