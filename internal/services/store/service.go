package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/services/stream"
)

// Service is the UI-facing conversation state: an ordered, append-only
// message log per conversation plus the live streaming buffer, transient
// status text and the last surfaced error. Messages are never mutated after
// append; the one allowed exception is swapping a temp id for the
// persistence-assigned one.
type Service struct {
	mu          sync.RWMutex
	messages    map[string][]domain.Message
	status      map[string]string
	lastError   map[string]string
	streams     *stream.Service
	subscribers map[int]func(conversationID string)
	nextSubID   int
}

func NewService(streams *stream.Service) *Service {
	return &Service{
		messages:    make(map[string][]domain.Message),
		status:      make(map[string]string),
		lastError:   make(map[string]string),
		streams:     streams,
		subscribers: make(map[int]func(string)),
	}
}

// Streams exposes the accumulator backing this store's streaming views.
func (s *Service) Streams() *stream.Service {
	return s.streams
}

// Subscribe registers a change callback invoked with the conversation id on
// every mutation. Returns an unsubscribe function.
func (s *Service) Subscribe(fn func(conversationID string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Service) notify(conversationID string) {
	s.mu.RLock()
	fns := make([]func(string), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(conversationID)
	}
}

// AddMessage appends a message to the conversation's log. Sequence is
// assigned as len+1 when unset and never renumbered afterwards.
func (s *Service) AddMessage(conversationID string, msg domain.Message) domain.Message {
	s.mu.Lock()
	msg.ConversationID = conversationID
	if msg.Sequence == 0 {
		msg.Sequence = len(s.messages[conversationID]) + 1
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.mu.Unlock()

	s.notify(conversationID)
	return msg
}

// SetMessages replaces the conversation's log wholesale, used when resuming a
// conversation from persistence before any local appends happened.
func (s *Service) SetMessages(conversationID string, msgs []domain.Message) {
	s.mu.Lock()
	s.messages[conversationID] = append([]domain.Message(nil), msgs...)
	s.mu.Unlock()

	s.notify(conversationID)
}

// ReplaceMessageID swaps a temp id for the persistence-assigned one. Content
// and sequence are untouched.
func (s *Service) ReplaceMessageID(conversationID, tempID, durableID string) bool {
	s.mu.Lock()
	replaced := false
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == tempID {
			msgs[i].ID = durableID
			replaced = true
			break
		}
	}
	s.mu.Unlock()

	if replaced {
		s.notify(conversationID)
	}
	return replaced
}

// UpdateStreamingMessage appends a chunk to the conversation's streaming
// buffer and republishes it as the current streaming message.
func (s *Service) UpdateStreamingMessage(conversationID, chunk string) {
	if !s.streams.Append(conversationID, chunk) {
		return
	}
	s.notify(conversationID)
}

// CompleteStreamingMessage freezes the buffer into a real message, clears the
// buffer and the transient status line, and returns the appended message.
func (s *Service) CompleteStreamingMessage(conversationID string) (domain.Message, bool) {
	s.streams.Complete(conversationID)
	buf, exists := s.streams.Buffer(conversationID)
	if !exists || buf.Content == "" {
		s.streams.Clear(conversationID)
		s.ClearStatus(conversationID)
		return domain.Message{}, false
	}

	msg := s.AddMessage(conversationID, domain.Message{
		ID:      domain.TempIDPrefix + uuid.New().String(),
		Sender:  domain.SenderAssistant,
		Content: buf.Content,
	})
	s.streams.Clear(conversationID)
	s.ClearStatus(conversationID)
	return msg, true
}

// TerminateStreamingMessage handles a server-initiated cut-off: non-empty
// partial content is frozen with the cut-off marker already appended by the
// accumulator, an empty buffer produces no message.
func (s *Service) TerminateStreamingMessage(conversationID, reason string) (domain.Message, bool) {
	content, frozen := s.streams.Terminate(conversationID, reason)
	s.ClearStatus(conversationID)
	if !frozen {
		return domain.Message{}, false
	}

	msg := s.AddMessage(conversationID, domain.Message{
		ID:      domain.TempIDPrefix + uuid.New().String(),
		Sender:  domain.SenderAssistant,
		Content: content,
	})
	s.streams.Clear(conversationID)
	return msg, true
}

// ClearStreamingMessage discards the buffer without producing a message.
func (s *Service) ClearStreamingMessage(conversationID string) {
	s.streams.Clear(conversationID)
	s.ClearStatus(conversationID)
	s.notify(conversationID)
}

// GetMessages returns a snapshot of the conversation's log. Unknown ids yield
// an empty slice, never nil, so callers can always iterate.
func (s *Service) GetMessages(conversationID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, exists := s.messages[conversationID]
	if !exists {
		return []domain.Message{}
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// LastSequence returns the sequence of the conversation's newest message.
func (s *Service) LastSequence(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].Sequence
}

// GetStreamingMessage returns the in-progress assistant reply as a message
// view. It is not part of the durable log until frozen.
func (s *Service) GetStreamingMessage(conversationID string) (domain.Message, bool) {
	buf, exists := s.streams.Buffer(conversationID)
	if !exists {
		return domain.Message{}, false
	}
	return domain.Message{
		ConversationID: conversationID,
		Sender:         domain.SenderAssistant,
		Content:        buf.Content,
		Sequence:       s.LastSequence(conversationID) + 1,
	}, true
}

// SetStatus publishes a transient progress line for the conversation.
func (s *Service) SetStatus(conversationID, text string) {
	s.mu.Lock()
	s.status[conversationID] = text
	s.mu.Unlock()
	s.notify(conversationID)
}

// GetStatus returns the conversation's transient progress line.
func (s *Service) GetStatus(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[conversationID]
}

// ClearStatus drops the transient progress line.
func (s *Service) ClearStatus(conversationID string) {
	s.mu.Lock()
	delete(s.status, conversationID)
	s.mu.Unlock()
	s.notify(conversationID)
}

// SetError publishes the most recent failure for the conversation. The UI
// layer subscribes to this instead of receiving callbacks.
func (s *Service) SetError(conversationID, message string) {
	log.Error().
		Str("conversation_id", conversationID).
		Str("error", message).
		Msg("Conversation error surfaced to store")

	s.mu.Lock()
	s.lastError[conversationID] = message
	s.mu.Unlock()
	s.notify(conversationID)
}

// GetError returns the conversation's last surfaced error, empty if none.
func (s *Service) GetError(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError[conversationID]
}

// ClearError resets the conversation's error field.
func (s *Service) ClearError(conversationID string) {
	s.mu.Lock()
	delete(s.lastError, conversationID)
	s.mu.Unlock()
}
