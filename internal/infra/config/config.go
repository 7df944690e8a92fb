package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	TZ          string `envconfig:"TZ" default:"UTC"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	BaseURL     string `envconfig:"APP_BASE_URL"`
	AdminToken  string `envconfig:"ADMIN_TOKEN"`
	APIToken    string `envconfig:"API_TOKEN"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Digest struct {
		TickInterval      time.Duration `envconfig:"DIGEST_TICK_INTERVAL" default:"5m"`
		MaxAttempts       int           `envconfig:"DIGEST_MAX_ATTEMPTS" default:"5"`
		BackoffInitial    time.Duration `envconfig:"DIGEST_BACKOFF_INITIAL" default:"5m"`
		BackoffMax        time.Duration `envconfig:"DIGEST_BACKOFF_MAX" default:"2h"`
		ClaimLease        time.Duration `envconfig:"DIGEST_CLAIM_LEASE" default:"2m"`
		BatchSize         int           `envconfig:"DIGEST_BATCH_SIZE" default:"500"`
		SendHour          int           `envconfig:"DIGEST_SEND_HOUR" default:"9"`
		RequiredDocuments []string      `envconfig:"REQUIRED_DOCUMENT_TYPES" default:"BOL,Purchase Invoice,Packing Slip"`
	} `envconfig:""`

	Email struct {
		Transport string        `envconfig:"EMAIL_TRANSPORT" default:"log"`
		APIURL    string        `envconfig:"EMAIL_API_URL"`
		APIKey    string        `envconfig:"EMAIL_API_KEY"`
		Timeout   time.Duration `envconfig:"EMAIL_API_TIMEOUT" default:"10s"`
		From      string        `envconfig:"EMAIL_FROM" default:"ShipTrack <no-reply@shiptrack.local>"`
		Exchange  string        `envconfig:"EMAIL_EXCHANGE" default:"notifications"`
		Queue     string        `envconfig:"EMAIL_QUEUE" default:"email.outbox"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
