package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"shipment-notifier/internal/adapters/email"
	"shipment-notifier/internal/adapters/repo"
	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/config"
	"shipment-notifier/internal/infra/db"
	"shipment-notifier/internal/infra/lock"
	"shipment-notifier/internal/usecase/cron"
	"shipment-notifier/internal/usecase/digest"
)

// digest-run выполняет один прогон планировщика и рассыльщика и печатает статистику.
func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("digest-run: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	sender, closeSender, err := email.NewSender(email.Config{
		Transport: cfg.Email.Transport,
		APIURL:    cfg.Email.APIURL,
		APIKey:    cfg.Email.APIKey,
		Timeout:   cfg.Email.Timeout,
		From:      cfg.Email.From,
		AMQPURL:   cfg.RabbitURL,
		RedisAddr: cfg.RedisAddr,
		Exchange:  cfg.Email.Exchange,
		Queue:     cfg.Email.Queue,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("digest-run: не удалось настроить отправку писем")
	}
	defer closeSender()

	var locker domain.Locker = lock.NewMemory()
	if cfg.RedisAddr != "" {
		client, err := lock.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("digest-run: нет подключения к Redis")
		}
		defer client.Close()
		locker = lock.NewRedis(client, "shipment-notifier")
	}

	scheduler := digest.NewScheduler(repoAdapter, repoAdapter, domain.LoadLocation(cfg.TZ), cfg.Digest.SendHour, log.Logger)
	dispatcher := digest.NewDispatcher(repoAdapter, repoAdapter, digest.NewAggregator(repoAdapter, cfg.Digest.RequiredDocuments), sender, digest.DispatchConfig{
		MaxAttempts:    cfg.Digest.MaxAttempts,
		InitialBackoff: cfg.Digest.BackoffInitial,
		MaxBackoff:     cfg.Digest.BackoffMax,
		ClaimLease:     cfg.Digest.ClaimLease,
		BatchSize:      cfg.Digest.BatchSize,
		BaseURL:        cfg.BaseURL,
	}, log.Logger)

	stats, err := cron.NewDriver(scheduler, dispatcher, locker, cfg.Digest.TickInterval, log.Logger).RunOnce(ctx)
	_ = json.NewEncoder(os.Stdout).Encode(stats)
	if err != nil {
		log.Fatal().Err(err).Msg("digest-run: прогон завершился с ошибкой")
	}
}
