package email

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
)

// OutboxMessage — письмо, которое забирает внешний почтовый сервис.
type OutboxMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	CreatedAt time.Time `json:"created_at"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender публикует письма в RabbitMQ.
type AMQPSender struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  publisher
	exchange string
	queue    string
	from     string
	log      zerolog.Logger
	now      func() time.Time
}

var _ domain.EmailSender = (*AMQPSender)(nil)

// DialAMQP подключается к RabbitMQ и объявляет обменник и очередь писем.
func DialAMQP(url, exchange, queue, from string, log zerolog.Logger) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if err := declareTopology(ch, exchange, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	sender := newAMQPSender(ch, exchange, queue, from, log)
	sender.conn = conn
	return sender, nil
}

func newAMQPSender(ch publisher, exchange, queue, from string, log zerolog.Logger) *AMQPSender {
	return &AMQPSender{
		channel:  ch,
		exchange: exchange,
		queue:    queue,
		from:     from,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func declareTopology(ch *amqp.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("объявление обменника %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("объявление очереди %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("привязка очереди %s: %w", queue, err)
	}
	return nil
}

// Send публикует письмо. false означает, что брокер не принял сообщение.
func (s *AMQPSender) Send(ctx context.Context, to, subject, htmlBody string) bool {
	msg := OutboxMessage{
		ID:        uuid.NewString(),
		From:      s.from,
		To:        to,
		Subject:   subject,
		HTML:      htmlBody,
		CreatedAt: s.now(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("email: не удалось сериализовать письмо")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	err = s.channel.PublishWithContext(ctx, s.exchange, s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", s.queue, start, err)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("email: не удалось опубликовать письмо")
		return false
	}
	return true
}

// Close закрывает соединение с брокером.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
