package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisList — очередь JSON-сообщений на базе Redis lists.
type RedisList struct {
	client *redis.Client
	key    string
}

// NewRedisList создаёт очередь по указанному ключу.
func NewRedisList(client *redis.Client, key string) *RedisList {
	return &RedisList{client: client, key: key}
}

// Key возвращает имя списка.
func (q *RedisList) Key() string { return q.key }

// Enqueue публикует сообщение в очередь.
func (q *RedisList) Enqueue(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// Len возвращает число сообщений, ещё не забранных потребителем.
func (q *RedisList) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
