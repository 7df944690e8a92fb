package email

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
)

type outboxQueue interface {
	Enqueue(ctx context.Context, msg any) error
	Len(ctx context.Context) (int64, error)
	Key() string
}

// RedisOutboxSender кладёт письма в список Redis, откуда их забирает почтовый воркер.
type RedisOutboxSender struct {
	queue outboxQueue
	from  string
	log   zerolog.Logger
	now   func() time.Time
}

var _ domain.EmailSender = (*RedisOutboxSender)(nil)

// NewRedisOutboxSender создаёт отправителя поверх очереди.
func NewRedisOutboxSender(queue outboxQueue, from string, log zerolog.Logger) *RedisOutboxSender {
	return &RedisOutboxSender{queue: queue, from: from, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Send ставит письмо в очередь.
func (s *RedisOutboxSender) Send(ctx context.Context, to, subject, htmlBody string) bool {
	msg := OutboxMessage{
		ID:        uuid.NewString(),
		From:      s.from,
		To:        to,
		Subject:   subject,
		HTML:      htmlBody,
		CreatedAt: s.now(),
	}
	start := time.Now()
	err := s.queue.Enqueue(ctx, msg)
	metrics.ObserveNetworkRequest("redis", "lpush", s.queue.Key(), start, err)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("email: не удалось поставить письмо в очередь")
		return false
	}
	return true
}

// Backlog возвращает число писем, которые почтовый воркер ещё не забрал.
func (s *RedisOutboxSender) Backlog(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.queue.Len(ctx)
	metrics.ObserveNetworkRequest("redis", "llen", s.queue.Key(), start, err)
	return n, err
}
