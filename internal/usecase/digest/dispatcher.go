package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 5 * time.Minute
	defaultMaxBackoff     = 2 * time.Hour
	defaultClaimLease     = 2 * time.Minute
	defaultBatchSize      = 500
)

const (
	skipUserMissing = "user_missing"
	skipDisabled    = "disabled"
	skipQuietHours  = "quiet_hours"
	skipBackoff     = "backoff"
	skipClaimed     = "claimed"
)

// DispatchConfig задаёт политику повторов рассыльщика.
type DispatchConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ClaimLease — сколько попытка считается занятой другим прогоном.
	ClaimLease time.Duration
	// BatchSize — размер страницы при обходе очереди; за прогон обходятся все созревшие записи.
	BatchSize int
	BaseURL   string
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = defaultMaxBackoff
		if c.MaxBackoff < c.InitialBackoff {
			c.MaxBackoff = c.InitialBackoff
		}
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaultClaimLease
	}
	if c.ClaimLease > c.InitialBackoff {
		c.ClaimLease = c.InitialBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// DispatchStats — итог одного прогона рассыльщика.
type DispatchStats struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	// Closed — записи пользователей, отключивших письма; они закрываются без отправки.
	Closed int `json:"closed"`
	Errors int `json:"errors"`
}

// Dispatcher отправляет дайджесты, срок которых наступил.
type Dispatcher struct {
	users     domain.UserRepo
	queue     domain.DigestQueueRepo
	data      DataSource
	sender    domain.EmailSender
	analytics domain.BusinessMetricRepo
	log       zerolog.Logger
	cfg       DispatchConfig
	now       func() time.Time
}

// NewDispatcher создаёт рассыльщика дайджестов.
func NewDispatcher(users domain.UserRepo, queue domain.DigestQueueRepo, data DataSource, sender domain.EmailSender, cfg DispatchConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		users:  users,
		queue:  queue,
		data:   data,
		sender: sender,
		log:    log,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithAnalytics включает запись бизнес-метрик.
func (d *Dispatcher) WithAnalytics(repo domain.BusinessMetricRepo) *Dispatcher {
	d.analytics = repo
	return d
}

// ProcessScheduledDigests обрабатывает все созревшие записи очереди по одной, страницами по BatchSize.
// Ошибка по одной записи не прерывает прогон; неотправленная запись остаётся в очереди до следующего тика.
func (d *Dispatcher) ProcessScheduledDigests(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats
	now := d.now()
	var cursor domain.DueCursor
	for {
		entries, err := d.queue.ListDue(ctx, now, cursor, d.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("получение очереди дайджестов: %w", err)
		}
		stats.Due += len(entries)

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			d.processEntry(ctx, entry, &stats)
		}
		if len(entries) < d.cfg.BatchSize {
			return stats, nil
		}
		cursor = domain.CursorAt(entries[len(entries)-1])
	}
}

func (d *Dispatcher) processEntry(ctx context.Context, entry domain.DigestEntry, stats *DispatchStats) {
	log := d.log.With().Int64("entry", entry.ID).Int64("user", entry.UserID).Str("digest_type", string(entry.DigestType)).Logger()
	now := d.now()

	user, err := d.users.GetUser(ctx, entry.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			log.Warn().Msg("dispatcher: пользователь не найден, запись оставлена в очереди")
			d.skip(stats, skipUserMissing)
			return
		}
		log.Error().Err(err).Msg("dispatcher: не удалось получить пользователя")
		stats.Errors++
		return
	}
	if !user.EmailNotifications || user.Email == "" {
		d.closeDisabled(ctx, log, entry, stats)
		return
	}
	if domain.InQuietHours(user, now) {
		log.Debug().Msg("dispatcher: тихие часы, дайджест отложен")
		d.skip(stats, skipQuietHours)
		return
	}
	if d.backingOff(entry, now) {
		d.skip(stats, skipBackoff)
		return
	}

	since, err := d.windowStart(ctx, entry)
	if err != nil {
		log.Error().Err(err).Msg("dispatcher: не удалось определить окно дайджеста")
		stats.Errors++
		return
	}
	data, err := d.data.AggregateSince(ctx, since)
	if err != nil {
		log.Error().Err(err).Msg("dispatcher: не удалось собрать данные дайджеста")
		stats.Errors++
		return
	}

	attempt, claimed, err := d.queue.ClaimAttempt(ctx, entry.ID, now, d.cfg.ClaimLease)
	if err != nil {
		log.Error().Err(err).Msg("dispatcher: не удалось зафиксировать попытку")
		stats.Errors++
		return
	}
	if !claimed {
		log.Debug().Msg("dispatcher: запись уже обрабатывается или отправлена")
		d.skip(stats, skipClaimed)
		return
	}

	subject, body := FormatDigest(user, entry.DigestType, data, d.cfg.BaseURL)
	ok := d.sender.Send(ctx, user.Email, subject, body)
	metrics.ObserveEmail("digest", ok)
	if !ok {
		d.handleFailure(ctx, log, entry, attempt, stats)
		return
	}

	marked, err := d.queue.MarkSent(ctx, entry.ID, d.now())
	if err != nil {
		// Письмо ушло, но отметка не сохранилась: повтор возможен после истечения аренды.
		log.Error().Err(err).Msg("dispatcher: письмо отправлено, но запись не отмечена")
		stats.Errors++
		return
	}
	if !marked {
		log.Warn().Msg("dispatcher: запись уже отмечена отправленной другим прогоном")
	}
	stats.Sent++
	log.Info().Int("attempt", attempt).Msg("dispatcher: дайджест отправлен")
	d.record(ctx, user.ID, domain.BusinessMetricEventDigestDelivered, map[string]any{
		"entry_id":    entry.ID,
		"digest_type": string(entry.DigestType),
		"attempt":     attempt,
	})
}

func (d *Dispatcher) handleFailure(ctx context.Context, log zerolog.Logger, entry domain.DigestEntry, attempt int, stats *DispatchStats) {
	if attempt < d.cfg.MaxAttempts {
		stats.Failed++
		log.Warn().Err(domain.ErrEmailSendFailure).Int("attempt", attempt).Dur("retry_in", d.retryDelay(attempt)).Msg("dispatcher: дайджест не отправлен, повторим позже")
		return
	}
	if err := d.queue.MarkFailed(ctx, entry.ID, d.now(), domain.FailureReasonMaxAttempts); err != nil {
		log.Error().Err(err).Msg("dispatcher: не удалось отметить запись как проваленную")
		stats.Errors++
		return
	}
	stats.Abandoned++
	metrics.DigestsAbandoned.Inc()
	log.Error().Err(domain.ErrEmailSendFailure).Int("attempt", attempt).Msg("dispatcher: исчерпан лимит попыток, запись закрыта")
	d.record(ctx, entry.UserID, domain.BusinessMetricEventDigestAbandoned, map[string]any{
		"entry_id":    entry.ID,
		"digest_type": string(entry.DigestType),
		"attempts":    attempt,
	})
}

// closeDisabled закрывает запись пользователя, который отключил письма или не указал адрес.
// После включения писем планировщик создаст новую запись со свежим сроком.
func (d *Dispatcher) closeDisabled(ctx context.Context, log zerolog.Logger, entry domain.DigestEntry, stats *DispatchStats) {
	if err := d.queue.MarkFailed(ctx, entry.ID, d.now(), domain.FailureReasonDisabled); err != nil {
		log.Error().Err(err).Msg("dispatcher: не удалось закрыть запись отключённого пользователя")
		stats.Errors++
		return
	}
	stats.Closed++
	metrics.DigestsSkipped.WithLabelValues(skipDisabled).Inc()
	log.Info().Msg("dispatcher: письма отключены, запись закрыта без отправки")
}

// windowStart возвращает начало окна событий для записи.
// Окно отсчитывается от срока записи, а не от момента отправки. Если предыдущий дайджест
// ушёл не раньше чем за два окна до срока, окно начинается с его отправки, чтобы события
// между отправкой и постановкой новой записи не терялись и не повторялись.
func (d *Dispatcher) windowStart(ctx context.Context, entry domain.DigestEntry) (time.Time, error) {
	lookback := entry.DigestType.Lookback()
	since := entry.ScheduledFor.Add(-lookback)
	last, ok, err := d.queue.LastSentAt(ctx, entry.UserID, entry.DigestType)
	if err != nil {
		return time.Time{}, fmt.Errorf("последняя отправка: %w", err)
	}
	if ok && last.Before(entry.ScheduledFor) && last.After(since.Add(-lookback)) {
		return last, nil
	}
	return since, nil
}

// backingOff сообщает, что после предыдущей неудачной попытки ещё не прошла пауза.
func (d *Dispatcher) backingOff(entry domain.DigestEntry, now time.Time) bool {
	if entry.Attempts == 0 || entry.LastAttemptAt == nil {
		return false
	}
	return now.Before(entry.LastAttemptAt.Add(d.retryDelay(entry.Attempts)))
}

// retryDelay возвращает паузу после attempts неудачных попыток: InitialBackoff, затем удвоение до MaxBackoff.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := d.cfg.InitialBackoff
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) skip(stats *DispatchStats, reason string) {
	stats.Skipped++
	metrics.DigestsSkipped.WithLabelValues(reason).Inc()
}

func (d *Dispatcher) record(ctx context.Context, userID int64, event string, meta map[string]any) {
	if d.analytics == nil {
		return
	}
	id := userID
	metric := domain.BusinessMetric{Event: event, UserID: &id, Metadata: meta, OccurredAt: d.now()}
	if err := d.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		d.log.Error().Err(err).Str("event", event).Msg("dispatcher: не удалось сохранить бизнес-метрику")
	}
}
