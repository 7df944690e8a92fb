package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	NotificationsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_routed_total",
		Help: "Созданные уведомления по категориям",
	}, []string{"category"})
	RouteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_route_errors_total",
		Help: "Ошибки маршрутизации событий",
	})
	EmailsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emails_sent_total",
		Help: "Отправленные письма по виду и результату",
	}, []string{"kind", "status"})
	DigestsScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digests_scheduled_total",
		Help: "Записи очереди дайджестов, созданные планировщиком",
	}, []string{"digest_type"})
	DigestsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digests_skipped_total",
		Help: "Пропущенные в прогоне дайджесты по причине",
	}, []string{"reason"})
	DigestsAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digests_abandoned_total",
		Help: "Дайджесты, для которых исчерпан лимит попыток",
	})
	TickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_tick_seconds",
		Help:    "Длительность прогона планировщика и рассыльщика",
		Buckets: prometheus.DefBuckets,
	})
	TickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digest_tick_errors_total",
		Help: "Прогоны, завершившиеся ошибкой",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

var registerOnce sync.Once

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerOnce.Do(func() {
		registerer.MustRegister(
			NotificationsRouted,
			RouteErrors,
			EmailsSent,
			DigestsScheduled,
			DigestsSkipped,
			DigestsAbandoned,
			TickSeconds,
			TickErrors,
			NetworkRequestDuration,
			NetworkRequestTotal,
		)
	})
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveEmail учитывает результат отправки письма.
func ObserveEmail(kind string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	EmailsSent.WithLabelValues(kind, status).Inc()
}
