package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/infrastructure/redis"
)

var ErrConversationNotFound = errors.New("conversation not found")

// SaveMessageParams is the write contract for one durable message. The store
// assigns the durable id and sequence.
type SaveMessageParams struct {
	ConversationID string
	Content        string
	Sender         domain.Sender
}

// Store is the durable conversation/message collaborator. The session layer
// consumes it as a black box.
type Store interface {
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	GetConversationMessages(ctx context.Context, id string) ([]domain.Message, error)
	SaveMessage(ctx context.Context, params SaveMessageParams) (domain.Message, error)
	CreateConversationWithMessages(ctx context.Context, configName string, seed []SaveMessageParams) (string, error)
	TouchConversation(ctx context.Context, id string) error
	LastActive(ctx context.Context, id string) (time.Time, error)
}

type Service struct {
	store Store
}

// NewService picks the Redis-backed store when Redis is reachable and falls
// back to memory otherwise.
func NewService(redisService *redis.Service) *Service {
	var store Store
	if redisService != nil {
		ctx := context.Background()
		if err := redisService.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, conversations held in memory")
			store = newMemoryStore()
		} else {
			store = &RedisStore{redisService: redisService}
		}
	} else {
		store = newMemoryStore()
	}

	return &Service{store: store}
}

// NewServiceWithStore injects an explicit store, primarily for tests.
func NewServiceWithStore(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

func (s *Service) GetConversationMessages(ctx context.Context, id string) ([]domain.Message, error) {
	return s.store.GetConversationMessages(ctx, id)
}

func (s *Service) SaveMessage(ctx context.Context, params SaveMessageParams) (domain.Message, error) {
	return s.store.SaveMessage(ctx, params)
}

func (s *Service) CreateConversationWithMessages(ctx context.Context, configName string, seed []SaveMessageParams) (string, error) {
	return s.store.CreateConversationWithMessages(ctx, configName, seed)
}

func (s *Service) TouchConversation(ctx context.Context, id string) error {
	return s.store.TouchConversation(ctx, id)
}

func (s *Service) LastActive(ctx context.Context, id string) (time.Time, error) {
	return s.store.LastActive(ctx, id)
}
