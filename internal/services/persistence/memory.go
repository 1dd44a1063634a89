package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stridefit/coachlink/internal/domain"
)

// MemoryStore is the in-process fallback used when Redis is not configured.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	lastActive    map[string]time.Time
}

func newMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		lastActive:    make(map[string]time.Time),
	}
}

// NewMemoryStore exposes the fallback store for tests and the terminal client.
func NewMemoryStore() *MemoryStore {
	return newMemoryStore()
}

func (ms *MemoryStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	conv, exists := ms.conversations[id]
	if !exists {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (ms *MemoryStore) GetConversationMessages(ctx context.Context, id string) ([]domain.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if _, exists := ms.conversations[id]; !exists {
		return nil, ErrConversationNotFound
	}
	out := make([]domain.Message, len(ms.messages[id]))
	copy(out, ms.messages[id])
	return out, nil
}

func (ms *MemoryStore) SaveMessage(ctx context.Context, params SaveMessageParams) (domain.Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.conversations[params.ConversationID]; !exists {
		return domain.Message{}, ErrConversationNotFound
	}

	msg := domain.Message{
		ID:             uuid.New().String(),
		ConversationID: params.ConversationID,
		Sender:         params.Sender,
		Content:        params.Content,
		Sequence:       len(ms.messages[params.ConversationID]) + 1,
		Timestamp:      time.Now(),
	}
	ms.messages[params.ConversationID] = append(ms.messages[params.ConversationID], msg)
	ms.lastActive[params.ConversationID] = time.Now()
	return msg, nil
}

func (ms *MemoryStore) CreateConversationWithMessages(ctx context.Context, configName string, seed []SaveMessageParams) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	id := uuid.New().String()
	ms.conversations[id] = domain.Conversation{ID: id, ConfigName: configName}
	for i, params := range seed {
		ms.messages[id] = append(ms.messages[id], domain.Message{
			ID:             uuid.New().String(),
			ConversationID: id,
			Sender:         params.Sender,
			Content:        params.Content,
			Sequence:       i + 1,
			Timestamp:      time.Now(),
		})
	}
	ms.lastActive[id] = time.Now()
	return id, nil
}

func (ms *MemoryStore) TouchConversation(ctx context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.conversations[id]; !exists {
		return ErrConversationNotFound
	}
	ms.lastActive[id] = time.Now()
	return nil
}

func (ms *MemoryStore) LastActive(ctx context.Context, id string) (time.Time, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	t, exists := ms.lastActive[id]
	if !exists {
		return time.Time{}, ErrConversationNotFound
	}
	return t, nil
}
