package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
)

const sendEndpoint = "/v1/messages"

// HTTPSender отправляет письма через JSON API почтового провайдера.
type HTTPSender struct {
	baseURL    *url.URL
	apiKey     string
	from       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

var _ domain.EmailSender = (*HTTPSender)(nil)

// Option настраивает HTTPSender.
type Option func(*HTTPSender)

// WithHTTPClient подменяет HTTP клиента.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSender) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут запроса.
func WithTimeout(timeout time.Duration) Option {
	return func(s *HTTPSender) {
		if timeout <= 0 {
			return
		}
		if s.httpClient == nil {
			s.httpClient = &http.Client{}
		}
		s.httpClient.Timeout = timeout
	}
}

// WithBreaker подменяет настройки предохранителя.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(s *HTTPSender) {
		s.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

type message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewHTTPSender создаёт отправителя.
func NewHTTPSender(baseURL, apiKey, from string, log zerolog.Logger, opts ...Option) (*HTTPSender, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	s := &HTTPSender{
		baseURL:    parsed,
		apiKey:     apiKey,
		from:       from,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    NewCircuitBreaker("email-api"),
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewCircuitBreaker создаёт предохранитель, который размыкается при доле ошибок от 60% на трёх и более запросах.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
}

// Send отправляет письмо. Любая ошибка транспорта превращается в false.
func (s *HTTPSender) Send(ctx context.Context, to, subject, htmlBody string) bool {
	key := uuid.NewString()
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, key, message{From: s.from, To: to, Subject: subject, HTML: htmlBody})
	})
	metrics.ObserveNetworkRequest("email", "send", s.baseURL.Host, start, err)
	if err != nil {
		event := s.log.Error()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			event = s.log.Warn()
		}
		event.Err(err).Str("idempotency_key", key).Msg("email: провайдер не принял письмо")
		return false
	}
	return true
}

func (s *HTTPSender) post(ctx context.Context, idempotencyKey string, body message) error {
	resolved := *s.baseURL
	resolved.Path = path.Clean(strings.TrimSuffix(s.baseURL.Path, "/") + sendEndpoint)

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolved.String(), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		data, readErr := io.ReadAll(resp.Body)
		if readErr == nil && len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		if apiErr.Code == "" {
			return fmt.Errorf("email api error: status=%d message=%s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("email api error [%s]: %s", apiErr.Code, apiErr.Error)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
