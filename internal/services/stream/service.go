package stream

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/domain"
)

// Service accumulates token-streamed assistant replies, one buffer per
// conversation with an open stream. A new stream for a conversation must not
// start until the prior buffer completed or was cleared.
type Service struct {
	mu      sync.Mutex
	buffers map[string]*buffer
}

type buffer struct {
	content  string
	complete bool
	// closed when the buffer completes, terminates or is cleared; the
	// handler registry waits on this instead of polling.
	done chan struct{}
}

func NewService() *Service {
	return &Service{
		buffers: make(map[string]*buffer),
	}
}

// Append creates the conversation's buffer if absent, otherwise concatenates
// the chunk. Chunks arriving for an already-completed buffer are dropped:
// that is a stale handler still firing after rotation, not valid data.
func (s *Service) Append(conversationID, chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, exists := s.buffers[conversationID]
	if !exists {
		s.buffers[conversationID] = &buffer{
			content: chunk,
			done:    make(chan struct{}),
		}
		return true
	}

	if buf.complete {
		log.Warn().
			Str("conversation_id", conversationID).
			Msg("Dropping chunk for completed stream")
		return false
	}

	buf.content += chunk
	return true
}

// Complete marks the conversation's buffer complete. The buffer is kept until
// the caller freezes it into a message and clears it, so the finished text
// stays readable in between.
func (s *Service) Complete(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, exists := s.buffers[conversationID]
	if !exists {
		return false
	}
	if !buf.complete {
		buf.complete = true
		close(buf.done)
	}
	return true
}

// Terminate handles a server-initiated cut-off. Non-empty content gets the
// cut-off marker appended and is left for the caller to freeze as a partial
// message; an empty buffer is discarded with no message produced.
func (s *Service) Terminate(conversationID, reason string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, exists := s.buffers[conversationID]
	if !exists {
		return "", false
	}

	if buf.content == "" {
		s.removeLocked(conversationID, buf)
		log.Debug().
			Str("conversation_id", conversationID).
			Str("reason", reason).
			Msg("Stream terminated with empty buffer, discarding")
		return "", false
	}

	if !buf.complete {
		buf.content += domain.CutOffMarker
		buf.complete = true
		close(buf.done)
	}
	log.Warn().
		Str("conversation_id", conversationID).
		Str("reason", reason).
		Msg("Stream terminated with partial content")
	return buf.content, true
}

// Clear discards the conversation's buffer without producing content.
func (s *Service) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf, exists := s.buffers[conversationID]; exists {
		s.removeLocked(conversationID, buf)
	}
}

func (s *Service) removeLocked(conversationID string, buf *buffer) {
	if !buf.complete {
		close(buf.done)
	}
	delete(s.buffers, conversationID)
}

// Buffer returns a snapshot view of the conversation's streaming buffer.
func (s *Service) Buffer(conversationID string) (domain.StreamingBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, exists := s.buffers[conversationID]
	if !exists {
		return domain.StreamingBuffer{}, false
	}
	return domain.StreamingBuffer{
		ConversationID: conversationID,
		Content:        buf.content,
		IsComplete:     buf.complete,
	}, true
}

// HasOpenStream reports whether the conversation has a buffer that is still
// receiving chunks. Used to gate destructive operations and handler rotation.
func (s *Service) HasOpenStream(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, exists := s.buffers[conversationID]
	return exists && !buf.complete
}

// OpenStreamOther returns the id and completion channel of some conversation
// other than exclude whose stream is still open. The channel closes when that
// stream completes, terminates or is cleared.
func (s *Service) OpenStreamOther(exclude string) (string, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, buf := range s.buffers {
		if id != exclude && !buf.complete {
			return id, buf.done, true
		}
	}
	return "", nil, false
}
