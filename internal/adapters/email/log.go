package email

import (
	"context"

	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
)

// LogSender пишет письма в лог вместо отправки. Используется для локальной разработки.
type LogSender struct {
	log zerolog.Logger
}

var _ domain.EmailSender = LogSender{}

// NewLogSender создаёт отправителя-заглушку.
func NewLogSender(log zerolog.Logger) LogSender {
	return LogSender{log: log}
}

// Send логирует письмо и всегда сообщает об успехе.
func (s LogSender) Send(_ context.Context, to, subject, htmlBody string) bool {
	s.log.Info().Str("to", to).Str("subject", subject).Int("body_len", len(htmlBody)).Msg("email: письмо (лог-транспорт)")
	return true
}
