package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     *int64
	ShipmentID *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventImmediateEmailSent фиксирует отправку письма сразу после события.
	BusinessMetricEventImmediateEmailSent = "immediate_email_sent"
	// BusinessMetricEventDigestScheduled фиксирует постановку дайджеста в очередь.
	BusinessMetricEventDigestScheduled = "digest_scheduled"
	// BusinessMetricEventDigestDelivered фиксирует успешную доставку дайджеста пользователю.
	BusinessMetricEventDigestDelivered = "digest_delivered"
	// BusinessMetricEventDigestAbandoned фиксирует отказ от дайджеста после исчерпания попыток.
	BusinessMetricEventDigestAbandoned = "digest_abandoned"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
