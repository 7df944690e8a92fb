package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
	"shipment-notifier/internal/usecase/digest"
)

// DefaultInterval — период тика по умолчанию.
const DefaultInterval = 5 * time.Minute

const tickLockKey = "digest:tick"

// ErrTickInProgress возвращается, если другой прогон ещё не завершился.
var ErrTickInProgress = errors.New("digest tick already in progress")

// Scheduler ставит дайджесты в очередь.
type Scheduler interface {
	ScheduleDigests(ctx context.Context) (digest.ScheduleStats, error)
}

// Dispatcher отправляет созревшие дайджесты.
type Dispatcher interface {
	ProcessScheduledDigests(ctx context.Context) (digest.DispatchStats, error)
}

// Driver периодически запускает планировщик и рассыльщика.
type Driver struct {
	scheduler  Scheduler
	dispatcher Dispatcher
	locker     domain.Locker
	log        zerolog.Logger
	interval   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	last    domain.RunStats
	hasLast bool
	stop    chan struct{}
	done    chan struct{}
}

// NewDriver создаёт драйвер. Нулевой interval заменяется значением по умолчанию.
func NewDriver(scheduler Scheduler, dispatcher Dispatcher, locker domain.Locker, interval time.Duration, log zerolog.Logger) *Driver {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Driver{
		scheduler:  scheduler,
		dispatcher: dispatcher,
		locker:     locker,
		log:        log,
		interval:   interval,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает тикер в отдельной горутине; первый тик выполняется сразу.
// Повторный вызов без Stop ничего не делает.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(ctx, d.stop, d.done)
	d.log.Info().Dur("interval", d.interval).Msg("cron: драйвер дайджестов запущен")
}

// Stop останавливает тикер и дожидается завершения текущего тика.
func (d *Driver) Stop() {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	d.log.Info().Msg("cron: драйвер дайджестов остановлен")
}

// RunOnce выполняет один тик синхронно.
func (d *Driver) RunOnce(ctx context.Context) (domain.RunStats, error) {
	return d.tick(ctx, true)
}

// LastRun возвращает статистику последнего прогона.
func (d *Driver) LastRun() (domain.RunStats, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}

// loop выполняет первый тик сразу после запуска, дальше по тикеру.
func (d *Driver) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if ctx.Err() == nil {
		d.scheduledTick(ctx)
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			d.scheduledTick(ctx)
		}
	}
}

func (d *Driver) scheduledTick(ctx context.Context) {
	if _, err := d.tick(ctx, false); err != nil && !errors.Is(err, ErrTickInProgress) {
		d.log.Error().Err(err).Msg("cron: тик завершился ошибкой")
	}
}

func (d *Driver) tick(ctx context.Context, manual bool) (stats domain.RunStats, err error) {
	release, ok, err := d.locker.TryLock(ctx, tickLockKey, d.lockTTL())
	if err != nil {
		metrics.TickErrors.Inc()
		return domain.RunStats{}, fmt.Errorf("блокировка тика: %w", err)
	}
	if !ok {
		d.log.Debug().Bool("manual", manual).Msg("cron: предыдущий тик ещё выполняется")
		return domain.RunStats{}, ErrTickInProgress
	}
	defer release()

	stats = domain.RunStats{StartedAt: d.now(), Manual: manual}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в тике: %v", r)
			stats.Errors++
			d.log.Error().Interface("panic", r).Msg("cron: паника в тике перехвачена")
		}
		stats.FinishedAt = d.now()
		metrics.TickSeconds.Observe(time.Since(start).Seconds())
		if stats.Errors > 0 {
			metrics.TickErrors.Inc()
		}
		d.remember(stats)
	}()

	scheduled, err := d.scheduler.ScheduleDigests(ctx)
	stats.Scheduled = scheduled.Created
	stats.Errors += scheduled.Errors
	if err != nil {
		stats.Errors++
		d.log.Error().Err(err).Msg("cron: планировщик завершился ошибкой")
	}

	dispatched, derr := d.dispatcher.ProcessScheduledDigests(ctx)
	stats.Processed = dispatched.Due
	stats.Sent = dispatched.Sent
	stats.Skipped = dispatched.Skipped
	stats.Abandoned = dispatched.Abandoned
	stats.Closed = dispatched.Closed
	stats.Failed = dispatched.Failed
	stats.Errors += dispatched.Errors
	if derr != nil {
		stats.Errors++
		d.log.Error().Err(derr).Msg("cron: рассыльщик завершился ошибкой")
	}

	d.log.Info().
		Bool("manual", manual).
		Int("scheduled", stats.Scheduled).
		Int("processed", stats.Processed).
		Int("sent", stats.Sent).
		Int("skipped", stats.Skipped).
		Int("closed", stats.Closed).
		Int("errors", stats.Errors).
		Msg("cron: тик завершён")
	return stats, errors.Join(err, derr)
}

func (d *Driver) lockTTL() time.Duration {
	if d.interval < time.Minute {
		return time.Minute
	}
	return d.interval
}

func (d *Driver) remember(stats domain.RunStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = stats
	d.hasLast = true
}
