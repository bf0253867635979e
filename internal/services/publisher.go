package services

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"gemini-chat-backend/internal/models"
)

// FragmentPublisher receives live stream events for a chat. Implementations
// must not fail the caller.
type FragmentPublisher interface {
	Publish(ctx context.Context, chatID string, evt models.StreamEvent)
}

// RedisPublisher sends stream events over Redis pub/sub so that websocket
// watchers on any instance can follow a generation.
type RedisPublisher struct {
	redis *redis.Client
}

func NewRedisPublisher(redisClient *redis.Client) *RedisPublisher {
	return &RedisPublisher{redis: redisClient}
}

func (p *RedisPublisher) Publish(ctx context.Context, chatID string, evt models.StreamEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.redis.Publish(ctx, models.ChatUpdatesChannel(chatID), string(data)).Err(); err != nil {
		log.Warn().Err(err).Str("chatid", chatID).Str("type", evt.Type).Msg("failed to publish stream event")
	}
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, models.StreamEvent) {}
