package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/services/store"
	"github.com/stridefit/coachlink/internal/services/stream"
	"github.com/stridefit/coachlink/internal/services/transport"
)

// Service installs and rotates the socket event listeners so that exactly one
// handler set is live at a time, always scoped to a single conversation id.
// Rotation never tears down listeners while a different conversation's stream
// is still draining; it waits, bounded, for that stream to finish first.
type Service struct {
	transport *transport.Session
	streams   *stream.Service
	store     *store.Service

	drainTimeout time.Duration

	// active is the owning controller's single source of truth for "the
	// currently active conversation". Handlers re-check it defensively
	// before mutating anything, never for data routing.
	active func() string

	onAssistant func(conversationID string, msg domain.Message)
	onSignal    func(signalType string, data json.RawMessage)

	mu      sync.Mutex
	current string
}

func NewService(t *transport.Session, streams *stream.Service, st *store.Service, drainTimeout time.Duration) *Service {
	return &Service{
		transport:    t,
		streams:      streams,
		store:        st,
		drainTimeout: drainTimeout,
	}
}

// SetActiveSource wires the defensive re-check to the owning controller.
func (r *Service) SetActiveSource(fn func() string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = fn
}

// SetAssistantMessageHook registers a callback fired after a streamed reply
// is frozen into a message, for durable persistence.
func (r *Service) SetAssistantMessageHook(fn func(conversationID string, msg domain.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAssistant = fn
}

// SetSignalHook registers the out-of-band domain signal callback.
func (r *Service) SetSignalHook(fn func(signalType string, data json.RawMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSignal = fn
}

// Current returns the conversation the installed handler set is scoped to.
func (r *Service) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// RegisterFor rotates the socket's handler set to the given conversation.
// If another conversation's stream is still open, rotation waits for it to
// drain, up to the configured cap; on timeout it proceeds anyway - losing a
// few trailing chunks of an abandoned stream beats an unresponsive app.
func (r *Service) RegisterFor(ctx context.Context, conversationID string) error {
	if err := r.waitForDrain(ctx, conversationID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Hard reset: simpler and safer than selective removal given the
	// socket's flat emitter surface.
	r.transport.RemoveAllListeners()
	r.current = conversationID

	convID := conversationID
	r.transport.OnMessage(func(chunk string) {
		if r.stale(convID) {
			return
		}
		r.store.UpdateStreamingMessage(convID, chunk)
	})
	r.transport.OnStatus(func(text string) {
		if r.stale(convID) {
			return
		}
		r.store.SetStatus(convID, text)
	})
	r.transport.OnComplete(func() {
		if r.stale(convID) {
			return
		}
		msg, ok := r.store.CompleteStreamingMessage(convID)
		if hook := r.assistantHook(); ok && hook != nil {
			hook(convID, msg)
		}
	})
	r.transport.OnTerminated(func(reason string) {
		if r.stale(convID) {
			return
		}
		msg, ok := r.store.TerminateStreamingMessage(convID, reason)
		if hook := r.assistantHook(); ok && hook != nil {
			hook(convID, msg)
		}
	})
	r.transport.OnError(func(err error) {
		if r.stale(convID) {
			return
		}
		r.store.ClearStreamingMessage(convID)
		r.store.SetError(convID, err.Error())
	})
	r.transport.OnSignal(func(signalType string, data json.RawMessage) {
		if hook := r.signalHook(); hook != nil {
			hook(signalType, data)
		}
	})

	log.Debug().
		Str("conversation_id", conversationID).
		Msg("Handler set installed")
	return nil
}

// waitForDrain blocks until no other conversation's stream is open, the
// drain timeout elapses, or ctx is cancelled.
func (r *Service) waitForDrain(ctx context.Context, conversationID string) error {
	deadline := time.NewTimer(r.drainTimeout)
	defer deadline.Stop()

	for {
		other, done, open := r.streams.OpenStreamOther(conversationID)
		if !open {
			return nil
		}

		log.Debug().
			Str("conversation_id", conversationID).
			Str("draining", other).
			Msg("Waiting for other conversation's stream to drain")

		select {
		case <-done:
			// That stream finished; re-check for any other open one.
		case <-deadline.C:
			log.Warn().
				Str("conversation_id", conversationID).
				Str("draining", other).
				Dur("timeout", r.drainTimeout).
				Msg("Drain wait timed out, rotating handlers anyway")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stale reports whether a handler fired for a conversation that is no longer
// active. This defends against a registration that began before a
// conversation switch but resolved after it.
func (r *Service) stale(conversationID string) bool {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return false
	}
	if current := active(); current != conversationID {
		log.Warn().
			Str("conversation_id", conversationID).
			Str("active", current).
			Msg("Dropping event from stale handler")
		return true
	}
	return false
}

func (r *Service) assistantHook() func(string, domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onAssistant
}

func (r *Service) signalHook() func(string, json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onSignal
}
