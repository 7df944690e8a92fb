package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/lock"
	"shipment-notifier/internal/infra/queue"
)

// Транспорты писем.
const (
	TransportLog  = "log"
	TransportHTTP = "http"
	TransportAMQP = "amqp"
	// TransportRedis кладёт письма в список Redis.
	TransportRedis = "redis"
)

// Config задаёт транспорт писем.
type Config struct {
	Transport string
	APIURL    string
	APIKey    string
	Timeout   time.Duration
	From      string
	AMQPURL   string
	RedisAddr string
	Exchange  string
	Queue     string
}

// NewSender выбирает транспорт по конфигу. Возвращаемую функцию закрытия нужно вызвать при остановке.
func NewSender(cfg Config, log zerolog.Logger) (domain.EmailSender, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", TransportLog:
		return NewLogSender(log), noop, nil
	case TransportHTTP:
		var opts []Option
		if cfg.Timeout > 0 {
			opts = append(opts, WithTimeout(cfg.Timeout))
		}
		sender, err := NewHTTPSender(cfg.APIURL, cfg.APIKey, cfg.From, log, opts...)
		if err != nil {
			return nil, nil, err
		}
		return sender, noop, nil
	case TransportAMQP:
		if cfg.AMQPURL == "" {
			return nil, nil, fmt.Errorf("для транспорта amqp нужен RABBITMQ_URL")
		}
		sender, err := DialAMQP(cfg.AMQPURL, cfg.Exchange, cfg.Queue, cfg.From, log)
		if err != nil {
			return nil, nil, err
		}
		return sender, sender.Close, nil
	case TransportRedis:
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("для транспорта redis нужен REDIS_ADDR")
		}
		client, err := lock.Connect(context.Background(), cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisOutboxSender(queue.NewRedisList(client, cfg.Queue), cfg.From, log), client.Close, nil
	}
	return nil, nil, fmt.Errorf("неизвестный транспорт писем %q", cfg.Transport)
}
