package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/coachwire"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/services/persistence"
	"github.com/stridefit/coachlink/internal/services/registry"
	"github.com/stridefit/coachlink/internal/services/store"
	"github.com/stridefit/coachlink/internal/services/transport"
)

var ErrNoActiveConversation = errors.New("no active conversation, call Connect first")

// KindConfig turns the generic controller into a concrete session kind. Each
// kind is a thin configuration, not a structural copy of the controller.
type KindConfig struct {
	Kind       domain.Kind
	ConfigName string
	// Greeting is the assistant message seeded into a freshly created
	// conversation, shown before any socket chunk arrives.
	Greeting string
	// GreetingTrigger is the synthetic message replayed when reconnecting
	// to an existing conversation, letting the remote side decide whether
	// to emit a fresh greeting.
	GreetingTrigger string
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
}

// Controller orchestrates one session kind: when to create a conversation,
// when to replay the greeting trigger, when to reconnect, and the stable
// Connect/Disconnect/SendMessage contract the UI layer calls.
type Controller struct {
	cfg       KindConfig
	transport *transport.Session
	registry  *registry.Service
	store     *store.Service
	persist   *persistence.Service

	mu             sync.Mutex
	connected      bool // single-flight guard; Connect is UI-triggered, not hot-path
	conversationID string
	lastActive     time.Time
	sweepStop      chan struct{}
}

func NewController(cfg KindConfig, t *transport.Session, reg *registry.Service, st *store.Service, persist *persistence.Service) *Controller {
	c := &Controller{
		cfg:       cfg,
		transport: t,
		registry:  reg,
		store:     st,
		persist:   persist,
	}
	reg.SetActiveSource(c.ActiveConversation)
	reg.SetAssistantMessageHook(c.persistAssistantMessage)
	return c
}

// Store exposes the UI-facing message state for this controller's kind.
func (c *Controller) Store() *store.Service {
	return c.store
}

// ActiveConversation is the single source of truth the handler registry
// re-checks defensively.
func (c *Controller) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// AttachConversation points the controller at an existing conversation, so
// the next Connect resumes it instead of creating a new one.
func (c *Controller) AttachConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = conversationID
}

// Connect resolves or creates a conversation, rotates handlers to it and
// opens the socket. Calling it while already connected is a no-op.
func (c *Controller) Connect(ctx context.Context) error {
	return c.connect(ctx, "")
}

// ConnectWithPending behaves like Connect but carries a user message supplied
// before the socket existed, e.g. a quick-reply chip. On a fresh conversation
// it is seeded into the durable log; either way it is sent once connected.
func (c *Controller) ConnectWithPending(ctx context.Context, pendingUserMessage string) error {
	return c.connect(ctx, pendingUserMessage)
}

func (c *Controller) connect(ctx context.Context, pending string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		if pending != "" {
			return c.SendMessage(ctx, pending)
		}
		return nil
	}
	existing := c.conversationID
	c.mu.Unlock()

	convID, created, err := c.resolveConversation(ctx, existing, pending)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conversationID = convID
	c.mu.Unlock()

	if err := c.registry.RegisterFor(ctx, convID); err != nil {
		return fmt.Errorf("handler registration failed: %w", err)
	}

	if _, err := c.transport.EnsureConnection(ctx, convID); err != nil {
		c.store.SetError(convID, err.Error())
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.lastActive = time.Now()
	c.mu.Unlock()
	c.startSweep()

	if created {
		if pending != "" {
			// Seeded at creation; the remote side still needs the
			// payload to produce a reply.
			if err := c.sendPayload(convID, pending); err != nil {
				c.store.SetError(convID, err.Error())
				return err
			}
		}
		return nil
	}

	// Resumed conversation: replay the greeting trigger so the remote
	// service can decide whether to greet again.
	if err := c.sendPayload(convID, c.greetingTrigger()); err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(c.cfg.Kind)).
			Msg("Greeting trigger replay failed")
	}

	if pending != "" {
		return c.SendMessage(ctx, pending)
	}
	return nil
}

func (c *Controller) resolveConversation(ctx context.Context, existing, pending string) (string, bool, error) {
	if existing != "" {
		msgs, err := c.persist.GetConversationMessages(ctx, existing)
		if err != nil {
			c.store.SetError(existing, err.Error())
			return "", false, fmt.Errorf("failed to load conversation %s: %w", existing, err)
		}
		c.store.SetMessages(existing, msgs)
		return existing, false, nil
	}

	var seed []persistence.SaveMessageParams
	if c.cfg.Greeting != "" {
		seed = append(seed, persistence.SaveMessageParams{
			Sender:  domain.SenderAssistant,
			Content: c.cfg.Greeting,
		})
	}
	if pending != "" {
		seed = append(seed, persistence.SaveMessageParams{
			Sender:  domain.SenderUser,
			Content: pending,
		})
	}

	convID, err := c.persist.CreateConversationWithMessages(ctx, c.cfg.ConfigName, seed)
	if err != nil {
		return "", false, fmt.Errorf("failed to create conversation: %w", err)
	}

	msgs, err := c.persist.GetConversationMessages(ctx, convID)
	if err != nil {
		// The conversation exists; start with an empty local log rather
		// than failing the whole connect.
		log.Warn().Err(err).Str("conversation_id", convID).Msg("Seed messages not readable")
		msgs = nil
	}
	c.store.SetMessages(convID, msgs)

	log.Info().
		Str("kind", string(c.cfg.Kind)).
		Str("conversation_id", convID).
		Int("seeded", len(seed)).
		Msg("Conversation created")
	return convID, true, nil
}

// SendMessage optimistically appends the user's message, auto-heals a dropped
// socket, and writes the outbound payload with the full local history as
// context fallback. It raises promptly on a dead connection instead of
// queuing; the caller surfaces the failure and the user retries.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	convID := c.conversationID
	c.mu.Unlock()
	if convID == "" {
		return ErrNoActiveConversation
	}

	msg := c.store.AddMessage(convID, domain.Message{
		ID:      domain.TempIDPrefix + uuid.New().String(),
		Sender:  domain.SenderUser,
		Content: content,
	})

	c.touch(convID)

	fresh, err := c.transport.EnsureConnection(ctx, convID)
	if err != nil {
		c.store.SetError(convID, err.Error())
		return err
	}
	if fresh {
		// A fresh socket implies fresh listener bindings.
		if err := c.registry.RegisterFor(ctx, convID); err != nil {
			return fmt.Errorf("handler re-registration failed: %w", err)
		}
	}

	if err := c.sendPayload(convID, content); err != nil {
		c.store.SetError(convID, err.Error())
		return err
	}

	go c.persistUserMessage(convID, msg)
	return nil
}

func (c *Controller) sendPayload(conversationID, message string) error {
	return c.transport.SendMessage(
		coachwire.NewOutboundMessage(message, c.store.GetMessages(conversationID)))
}

// Disconnect closes the session on the user's initiative. An in-progress
// streaming buffer is discarded without freezing a partial message: a user
// disconnect means "I don't want this reply", unlike a server cut-off.
func (c *Controller) Disconnect() {
	c.disconnect(transport.DisconnectUser)
}

func (c *Controller) disconnect(reason transport.DisconnectReason) {
	c.mu.Lock()
	convID := c.conversationID
	c.connected = false
	c.mu.Unlock()

	c.stopSweep()
	c.transport.Disconnect(reason)
	if convID != "" {
		c.store.ClearStreamingMessage(convID)
	}
}

// Close tears the controller down, for the host app's auth lifecycle.
func (c *Controller) Close() {
	c.Disconnect()
}

// SetSignalHandler routes out-of-band domain signals, e.g.
// workout-template-approved, to an application callback.
func (c *Controller) SetSignalHandler(fn func(signalType string, data json.RawMessage)) {
	c.registry.SetSignalHook(fn)
}

func (c *Controller) greetingTrigger() string {
	if c.cfg.GreetingTrigger != "" {
		return c.cfg.GreetingTrigger
	}
	return coachwire.GreetingTrigger
}

func (c *Controller) touch(conversationID string) {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.persist.TouchConversation(ctx, conversationID); err != nil {
			log.Warn().
				Err(err).
				Str("conversation_id", conversationID).
				Msg("Failed to touch conversation")
		}
	}()
}

func (c *Controller) persistUserMessage(conversationID string, optimistic domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, err := c.persist.SaveMessage(ctx, persistence.SaveMessageParams{
		ConversationID: conversationID,
		Content:        optimistic.Content,
		Sender:         optimistic.Sender,
	})
	if err != nil {
		// The optimistic message stays visible; rolling it back would
		// make the user's input vanish.
		c.store.SetError(conversationID, fmt.Sprintf("failed to save message: %v", err))
		return
	}
	c.store.ReplaceMessageID(conversationID, optimistic.ID, saved.ID)
}

func (c *Controller) persistAssistantMessage(conversationID string, msg domain.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		saved, err := c.persist.SaveMessage(ctx, persistence.SaveMessageParams{
			ConversationID: conversationID,
			Content:        msg.Content,
			Sender:         msg.Sender,
		})
		if err != nil {
			c.store.SetError(conversationID, fmt.Sprintf("failed to save reply: %v", err))
			return
		}
		c.store.ReplaceMessageID(conversationID, msg.ID, saved.ID)
	}()
}

func (c *Controller) startSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepStop != nil || c.cfg.IdleTimeout <= 0 {
		return
	}
	stop := make(chan struct{})
	c.sweepStop = stop

	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				idle := c.connected && time.Since(c.lastActive) > c.cfg.IdleTimeout
				c.mu.Unlock()
				if idle {
					log.Info().
						Str("kind", string(c.cfg.Kind)).
						Msg("Ending idle session")
					c.disconnect(transport.DisconnectIdle)
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Controller) stopSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepStop = nil
	}
}
