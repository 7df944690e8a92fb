package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"shipment-notifier/internal/adapters/email"
	"shipment-notifier/internal/adapters/httpapi"
	"shipment-notifier/internal/adapters/repo"
	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/config"
	"shipment-notifier/internal/infra/db"
	httpinfra "shipment-notifier/internal/infra/http"
	"shipment-notifier/internal/infra/lock"
	applog "shipment-notifier/internal/infra/log"
	"shipment-notifier/internal/infra/metrics"
	"shipment-notifier/internal/usecase/cron"
	"shipment-notifier/internal/usecase/digest"
	"shipment-notifier/internal/usecase/notify"
	"shipment-notifier/internal/usecase/preferences"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "notifier")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: нет подключения к БД")
	}
	defer pool.Close()
	if err := db.RunMigrations(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("notifier: миграции не применены")
	}
	repoAdapter := repo.NewPostgres(pool)

	sender, closeSender, err := email.NewSender(emailConfig(cfg), logger.With().Str("component", "email").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: не удалось настроить отправку писем")
	}
	defer func() {
		if err := closeSender(); err != nil {
			logger.Error().Err(err).Msg("notifier: ошибка закрытия транспорта писем")
		}
	}()

	locker, closeLocker := newLocker(ctx, cfg, logger)
	defer closeLocker()

	router := notify.NewRouter(repoAdapter, repoAdapter, sender, logger.With().Str("component", "router").Logger(),
		notify.WithAnalytics(repoAdapter),
		notify.WithBaseURL(cfg.BaseURL),
	)
	driver := newDriver(cfg, repoAdapter, sender, locker, logger)
	driver.Start(ctx)
	defer driver.Stop()

	opts := []httpapi.Option{
		httpapi.WithDigestRunner(driver),
		httpapi.WithQueueStats(repoAdapter),
		httpapi.WithHealth(repoAdapter),
	}
	if cfg.AdminToken != "" {
		opts = append(opts, httpapi.WithAdminAuth(httpinfra.BearerAuthMiddleware(cfg.AdminToken)))
	} else {
		logger.Warn().Msg("notifier: ADMIN_TOKEN не задан, административные ручки отключены")
	}
	if cfg.APIToken != "" {
		opts = append(opts, httpapi.WithAPIAuth(httpinfra.BearerAuthMiddleware(cfg.APIToken)))
	} else {
		logger.Warn().Msg("notifier: API_TOKEN не задан, /api/v1 доступен без авторизации")
	}
	if outbox, ok := sender.(httpapi.OutboxBacklog); ok {
		opts = append(opts, httpapi.WithOutboxBacklog(outbox))
	}
	api := httpapi.NewServer(router, repoAdapter, preferences.NewService(repoAdapter), logger.With().Str("component", "api").Logger(), opts...)
	server := httpinfra.NewServer(logger)
	server.Router.Mount("/", api.Router())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("notifier: http сервер остановлен с ошибкой")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("notifier: ошибка остановки http сервера")
	}
	logger.Info().Msg("notifier: остановлен")
}

func emailConfig(cfg config.AppConfig) email.Config {
	return email.Config{
		Transport: cfg.Email.Transport,
		APIURL:    cfg.Email.APIURL,
		APIKey:    cfg.Email.APIKey,
		Timeout:   cfg.Email.Timeout,
		From:      cfg.Email.From,
		AMQPURL:   cfg.RabbitURL,
		RedisAddr: cfg.RedisAddr,
		Exchange:  cfg.Email.Exchange,
		Queue:     cfg.Email.Queue,
	}
}

func newLocker(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (domain.Locker, func()) {
	if cfg.RedisAddr == "" {
		logger.Info().Msg("notifier: REDIS_ADDR не задан, блокировка тика в памяти процесса")
		return lock.NewMemory(), func() {}
	}
	client, err := lock.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: нет подключения к Redis")
	}
	return lock.NewRedis(client, "shipment-notifier"), func() { _ = client.Close() }
}

func newDriver(cfg config.AppConfig, repoAdapter *repo.Postgres, sender domain.EmailSender, locker domain.Locker, logger zerolog.Logger) *cron.Driver {
	loc := domain.LoadLocation(cfg.TZ)
	scheduler := digest.NewScheduler(repoAdapter, repoAdapter, loc, cfg.Digest.SendHour, logger.With().Str("component", "scheduler").Logger()).
		WithAnalytics(repoAdapter)
	aggregator := digest.NewAggregator(repoAdapter, cfg.Digest.RequiredDocuments)
	dispatcher := digest.NewDispatcher(repoAdapter, repoAdapter, aggregator, sender, digest.DispatchConfig{
		MaxAttempts:    cfg.Digest.MaxAttempts,
		InitialBackoff: cfg.Digest.BackoffInitial,
		MaxBackoff:     cfg.Digest.BackoffMax,
		ClaimLease:     cfg.Digest.ClaimLease,
		BatchSize:      cfg.Digest.BatchSize,
		BaseURL:        cfg.BaseURL,
	}, logger.With().Str("component", "dispatcher").Logger()).WithAnalytics(repoAdapter)
	return cron.NewDriver(scheduler, dispatcher, locker, cfg.Digest.TickInterval, logger.With().Str("component", "cron").Logger())
}
