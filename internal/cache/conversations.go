// Package cache keeps recently used conversations in Redis in front of a
// durable conversation store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/entrevue/internal/metrics"
	"github.com/pavelanni/entrevue/internal/model"
)

// DefaultTTL is how long a cached conversation lives without being saved again.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "entrevue:conversation:"

// Backing is the durable store behind the cache.
type Backing interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	SaveConversation(ctx context.Context, conv *model.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
}

// Conversations is a read-through, write-through cache. Redis failures are
// logged and fall back to the backing store; they never fail a call.
type Conversations struct {
	client *redis.Client
	next   Backing
	ttl    time.Duration
}

// NewConversations wraps next with a Redis cache. A non-positive ttl uses DefaultTTL.
func NewConversations(client *redis.Client, next Backing, ttl time.Duration) *Conversations {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Conversations{client: client, next: next, ttl: ttl}
}

// Ping checks the Redis connection.
func (c *Conversations) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func key(id string) string {
	return keyPrefix + id
}

func (c *Conversations) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	data, err := c.client.Get(ctx, key(id)).Bytes()
	switch {
	case err == nil:
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return &conv, nil
		}
		slog.Warn("dropping undecodable cached conversation", "conversation_id", id)
		c.client.Del(ctx, key(id))
	case errors.Is(err, redis.Nil):
	default:
		slog.Warn("conversation cache read failed", "conversation_id", id, "error", err)
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	conv, err := c.next.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, conv)
	return conv, nil
}

func (c *Conversations) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	if err := c.next.SaveConversation(ctx, conv); err != nil {
		// The durable copy is unknown now; the cached one must not outlive it.
		c.client.Del(ctx, key(conv.ID))
		return err
	}
	c.set(ctx, conv)
	return nil
}

func (c *Conversations) DeleteConversation(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, key(id)).Err(); err != nil {
		slog.Warn("conversation cache delete failed", "conversation_id", id, "error", err)
	}
	return c.next.DeleteConversation(ctx, id)
}

// ListConversations always reads the backing store.
func (c *Conversations) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	return c.next.ListConversations(ctx)
}

func (c *Conversations) set(ctx context.Context, conv *model.Conversation) {
	data, err := json.Marshal(conv)
	if err != nil {
		slog.Warn("encode conversation for cache", "conversation_id", conv.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, key(conv.ID), data, c.ttl).Err(); err != nil {
		slog.Warn("conversation cache write failed", "conversation_id", conv.ID, "error", err)
	}
}
