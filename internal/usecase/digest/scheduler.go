package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
)

// DefaultSendHour — час доставки дневных и недельных дайджестов.
const DefaultSendHour = 9

// ScheduleStats — итог одного прогона планировщика.
type ScheduleStats struct {
	Candidates int `json:"candidates"`
	Created    int `json:"created"`
	Existing   int `json:"existing"`
	Errors     int `json:"errors"`
}

// Scheduler следит, чтобы у каждого подписчика дайджеста была ровно одна ожидающая запись в очереди.
type Scheduler struct {
	users     domain.UserRepo
	queue     domain.DigestQueueRepo
	analytics domain.BusinessMetricRepo
	log       zerolog.Logger
	loc       *time.Location
	sendHour  int
	now       func() time.Time
}

// NewScheduler создаёт планировщик. loc задаёт часовой пояс сервера для дневных и недельных дайджестов.
func NewScheduler(users domain.UserRepo, queue domain.DigestQueueRepo, loc *time.Location, sendHour int, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if sendHour < 0 || sendHour > 23 {
		sendHour = DefaultSendHour
	}
	return &Scheduler{
		users:    users,
		queue:    queue,
		log:      log,
		loc:      loc,
		sendHour: sendHour,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithAnalytics включает запись бизнес-метрик.
func (s *Scheduler) WithAnalytics(repo domain.BusinessMetricRepo) *Scheduler {
	s.analytics = repo
	return s
}

// ScheduleDigests ставит в очередь дайджесты пользователей, у которых ещё нет ожидающей записи.
// Ошибка по одному пользователю учитывается в статистике и не прерывает прогон.
func (s *Scheduler) ScheduleDigests(ctx context.Context) (ScheduleStats, error) {
	var stats ScheduleStats
	users, err := s.users.ListDigestRecipients(ctx)
	if err != nil {
		return stats, fmt.Errorf("получение подписчиков дайджеста: %w", err)
	}

	now := s.now()
	for _, user := range users {
		if !user.EmailNotifications {
			continue
		}
		digestType, ok := domain.DigestTypeFor(user.EmailFrequency)
		if !ok {
			continue
		}
		stats.Candidates++

		created, err := s.scheduleUser(ctx, user, digestType, now)
		if err != nil {
			stats.Errors++
			s.log.Error().Err(err).Int64("user", user.ID).Str("digest_type", string(digestType)).Msg("scheduler: не удалось поставить дайджест в очередь")
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Existing++
		}
	}
	return stats, nil
}

func (s *Scheduler) scheduleUser(ctx context.Context, user domain.User, digestType domain.DigestType, now time.Time) (bool, error) {
	if _, exists, err := s.queue.FindPending(ctx, user.ID, digestType); err != nil {
		return false, fmt.Errorf("поиск ожидающего дайджеста: %w", err)
	} else if exists {
		return false, nil
	}

	entry := domain.DigestEntry{
		UserID:       user.ID,
		DigestType:   digestType,
		ScheduledFor: digestType.NextDue(now, s.loc, s.sendHour),
		CreatedAt:    now,
	}
	inserted, err := s.queue.InsertPending(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("вставка в очередь: %w", err)
	}
	if !inserted {
		// Запись успела появиться между проверкой и вставкой.
		return false, nil
	}

	metrics.DigestsScheduled.WithLabelValues(string(digestType)).Inc()
	s.log.Debug().Int64("user", user.ID).Str("digest_type", string(digestType)).Time("scheduled_for", entry.ScheduledFor).Msg("scheduler: дайджест поставлен в очередь")
	s.record(ctx, user.ID, domain.BusinessMetricEventDigestScheduled, map[string]any{
		"digest_type":   string(digestType),
		"scheduled_for": entry.ScheduledFor.Format(time.RFC3339),
	})
	return true, nil
}

func (s *Scheduler) record(ctx context.Context, userID int64, event string, meta map[string]any) {
	if s.analytics == nil {
		return
	}
	id := userID
	metric := domain.BusinessMetric{Event: event, UserID: &id, Metadata: meta, OccurredAt: s.now()}
	if err := s.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("scheduler: не удалось сохранить бизнес-метрику")
	}
}
