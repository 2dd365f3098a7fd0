// Package cache is a read-through accelerator in front of the message store.
// It is never a correctness dependency: every operation degrades to a miss on
// error, and a nil *Cache is a no-op.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pharmachat/pkg/domain"
)

const opTimeout = 2 * time.Second

// Cache stores rendered message pages in Redis with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis. TTL bounds staleness between invalidations.
func New(addr, password string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
	}
}

// GetMessages returns a cached message page, or ok=false on miss or error.
func (c *Cache) GetMessages(ctx context.Context, room domain.RoomID, page, limit int) ([]domain.MessageView, bool) {
	if c == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := c.client.Get(ctx, messagesKey(room, page, limit)).Bytes()
	if err != nil {
		return nil, false
	}
	var msgs []domain.MessageView
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, false
	}
	return msgs, true
}

// SetMessages stores a message page. Errors are swallowed; the next read is
// simply a miss.
func (c *Cache) SetMessages(ctx context.Context, room domain.RoomID, page, limit int, msgs []domain.MessageView) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_ = c.client.Set(ctx, messagesKey(room, page, limit), raw, c.ttl).Err()
}

// InvalidateRoom drops every cached page for a room. Called after any
// durable message mutation in that room.
func (c *Cache) InvalidateRoom(ctx context.Context, room domain.RoomID) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pattern := fmt.Sprintf("chat_messages:%d:*", room)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		_ = c.client.Del(ctx, keys...).Err()
	}
}

func messagesKey(room domain.RoomID, page, limit int) string {
	return fmt.Sprintf("chat_messages:%d:%d:%d", room, page, limit)
}
