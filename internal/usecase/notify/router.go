package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
)

// Result описывает итог маршрутизации события для одного пользователя.
type Result struct {
	Notification   domain.Notification
	Deferred       bool
	EmailAttempted bool
	EmailSent      bool
}

// BatchResult — итог рассылки события нескольким пользователям.
type BatchResult struct {
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	EmailFailed int `json:"email_failed"`
}

// Router решает, отправить письмо сразу или оставить событие для дайджеста.
type Router struct {
	users         domain.UserRepo
	notifications domain.NotificationRepo
	sender        domain.EmailSender
	analytics     domain.BusinessMetricRepo
	log           zerolog.Logger
	baseURL       string
	now           func() time.Time
}

// Option настраивает Router.
type Option func(*Router)

// WithAnalytics включает запись бизнес-метрик.
func WithAnalytics(repo domain.BusinessMetricRepo) Option {
	return func(r *Router) {
		r.analytics = repo
	}
}

// WithBaseURL задаёт адрес приложения для ссылок в письмах.
func WithBaseURL(baseURL string) Option {
	return func(r *Router) {
		r.baseURL = baseURL
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter создаёт маршрутизатор уведомлений.
func NewRouter(users domain.UserRepo, notifications domain.NotificationRepo, sender domain.EmailSender, log zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		users:         users,
		notifications: notifications,
		sender:        sender,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route доставляет событие одному пользователю.
// Уведомление в приложении создаётся всегда; неудачная отправка письма его не отменяет.
func (r *Router) Route(ctx context.Context, userID int64, event domain.Event) (Result, error) {
	log := r.log.With().Int64("user", userID).Str("category", string(event.Category)).Logger()

	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		metrics.RouteErrors.Inc()
		if errors.Is(err, domain.ErrUserNotFound) {
			log.Warn().Msg("router: пользователь не найден, событие отброшено")
			return Result{}, err
		}
		return Result{}, fmt.Errorf("получение пользователя: %w", err)
	}

	category := event.Category
	if category == "" {
		category = domain.CategoryGeneral
	}
	notification, err := r.notifications.CreateNotification(ctx, domain.Notification{
		UserID:     user.ID,
		ShipmentID: event.ShipmentID,
		Type:       category,
		Title:      event.Title,
		Message:    event.Message,
		CreatedAt:  r.now(),
	})
	if err != nil {
		metrics.RouteErrors.Inc()
		return Result{}, fmt.Errorf("создание уведомления: %w", err)
	}
	metrics.NotificationsRouted.WithLabelValues(string(category)).Inc()
	res := Result{Notification: notification}

	if !user.EmailNotifications {
		return res, nil
	}
	if user.EmailFrequency != domain.FrequencyImmediate {
		res.Deferred = true
		return res, nil
	}
	if !user.Wants(category) {
		log.Debug().Msg("router: категория отключена пользователем, письмо не отправляем")
		return res, nil
	}
	if user.Email == "" {
		log.Warn().Msg("router: у пользователя нет адреса почты")
		return res, nil
	}

	subject, body := event.EmailSubject, event.EmailBody
	if subject == "" || body == "" {
		defSubject, defBody := DefaultEmail(user, event, r.baseURL)
		if subject == "" {
			subject = defSubject
		}
		if body == "" {
			body = defBody
		}
	}

	res.EmailAttempted = true
	res.EmailSent = r.sender.Send(ctx, user.Email, subject, body)
	metrics.ObserveEmail("immediate", res.EmailSent)
	if !res.EmailSent {
		log.Error().Err(domain.ErrEmailSendFailure).Int64("notification", notification.ID).Msg("router: письмо не отправлено, уведомление в приложении сохранено")
		return res, nil
	}
	r.recordSent(ctx, user, notification)
	return res, nil
}

// RouteToMany доставляет событие списку пользователей. Ошибка по одному пользователю не прерывает рассылку.
func (r *Router) RouteToMany(ctx context.Context, userIDs []int64, event domain.Event) BatchResult {
	var out BatchResult
	for _, id := range userIDs {
		res, err := r.Route(ctx, id, event)
		if err != nil {
			out.Failed++
			if !errors.Is(err, domain.ErrUserNotFound) {
				r.log.Error().Err(err).Int64("user", id).Msg("router: не удалось доставить событие")
			}
			continue
		}
		out.Succeeded++
		if res.EmailAttempted && !res.EmailSent {
			out.EmailFailed++
		}
	}
	return out
}

func (r *Router) recordSent(ctx context.Context, user domain.User, n domain.Notification) {
	if r.analytics == nil {
		return
	}
	userID := user.ID
	metric := domain.BusinessMetric{
		Event:      domain.BusinessMetricEventImmediateEmailSent,
		UserID:     &userID,
		ShipmentID: n.ShipmentID,
		Metadata: map[string]any{
			"notification_id": n.ID,
			"category":        string(n.Type),
		},
		OccurredAt: r.now(),
	}
	if err := r.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		r.log.Error().Err(err).Str("event", metric.Event).Msg("router: не удалось сохранить бизнес-метрику")
	}
}
