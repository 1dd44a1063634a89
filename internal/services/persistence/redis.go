package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/infrastructure/redis"
)

// RedisStore keeps conversation records as JSON values and message logs as
// Redis lists, so appends preserve order without read-modify-write cycles.
type RedisStore struct {
	redisService *redis.Service
}

type conversationRecord struct {
	ID         string    `json:"id"`
	ConfigName string    `json:"config_name"`
	LastActive time.Time `json:"last_active"`
}

func conversationKey(id string) string {
	return "conv:" + id
}

func messagesKey(id string) string {
	return "conv:" + id + ":messages"
}

func (rs *RedisStore) getRecord(ctx context.Context, id string) (conversationRecord, error) {
	data, err := rs.redisService.Get(ctx, conversationKey(id))
	if err != nil || data == "" {
		return conversationRecord{}, ErrConversationNotFound
	}

	var rec conversationRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return conversationRecord{}, fmt.Errorf("corrupt conversation record %s: %w", id, err)
	}
	return rec, nil
}

func (rs *RedisStore) putRecord(ctx context.Context, rec conversationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return rs.redisService.Set(ctx, conversationKey(rec.ID), string(data), 0)
}

func (rs *RedisStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	rec, err := rs.getRecord(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{ID: rec.ID, ConfigName: rec.ConfigName}, nil
}

func (rs *RedisStore) GetConversationMessages(ctx context.Context, id string) ([]domain.Message, error) {
	if _, err := rs.getRecord(ctx, id); err != nil {
		return nil, err
	}

	raws, err := rs.redisService.LRange(ctx, messagesKey(id))
	if err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(raws))
	for _, raw := range raws {
		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("corrupt message in conversation %s: %w", id, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (rs *RedisStore) SaveMessage(ctx context.Context, params SaveMessageParams) (domain.Message, error) {
	rec, err := rs.getRecord(ctx, params.ConversationID)
	if err != nil {
		return domain.Message{}, err
	}

	count, err := rs.redisService.LLen(ctx, messagesKey(params.ConversationID))
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:             uuid.New().String(),
		ConversationID: params.ConversationID,
		Sender:         params.Sender,
		Content:        params.Content,
		Sequence:       int(count) + 1,
		Timestamp:      time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, err
	}
	if err := rs.redisService.RPush(ctx, messagesKey(params.ConversationID), string(data)); err != nil {
		return domain.Message{}, err
	}

	rec.LastActive = time.Now()
	if err := rs.putRecord(ctx, rec); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (rs *RedisStore) CreateConversationWithMessages(ctx context.Context, configName string, seed []SaveMessageParams) (string, error) {
	id := uuid.New().String()
	rec := conversationRecord{
		ID:         id,
		ConfigName: configName,
		LastActive: time.Now(),
	}
	if err := rs.putRecord(ctx, rec); err != nil {
		return "", err
	}

	for i, params := range seed {
		msg := domain.Message{
			ID:             uuid.New().String(),
			ConversationID: id,
			Sender:         params.Sender,
			Content:        params.Content,
			Sequence:       i + 1,
			Timestamp:      time.Now(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return "", err
		}
		if err := rs.redisService.RPush(ctx, messagesKey(id), string(data)); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (rs *RedisStore) TouchConversation(ctx context.Context, id string) error {
	rec, err := rs.getRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.LastActive = time.Now()
	return rs.putRecord(ctx, rec)
}

func (rs *RedisStore) LastActive(ctx context.Context, id string) (time.Time, error) {
	rec, err := rs.getRecord(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return rec.LastActive, nil
}
