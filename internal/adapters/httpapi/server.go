package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/usecase/cron"
	"shipment-notifier/internal/usecase/notify"
	"shipment-notifier/internal/usecase/preferences"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	correlationHeader = "X-Correlation-ID"
)

// EventRouter доставляет события пользователям.
type EventRouter interface {
	RouteToMany(ctx context.Context, userIDs []int64, event domain.Event) notify.BatchResult
}

// PreferencesService читает и меняет настройки уведомлений.
type PreferencesService interface {
	Get(ctx context.Context, userID int64) (domain.User, error)
	Apply(ctx context.Context, userID int64, upd preferences.Update) (domain.User, error)
}

// DigestRunner запускает прогон дайджестов вручную.
type DigestRunner interface {
	RunOnce(ctx context.Context) (domain.RunStats, error)
	LastRun() (domain.RunStats, bool)
}

// QueueStats отдаёт размеры очереди дайджестов.
type QueueStats interface {
	DigestQueueStats(ctx context.Context) (map[string]int, error)
}

// OutboxBacklog отдаёт число писем, ещё не забранных почтовым воркером.
type OutboxBacklog interface {
	Backlog(ctx context.Context) (int64, error)
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server реализует REST API уведомлений.
type Server struct {
	router        EventRouter
	notifications domain.NotificationRepo
	prefs         PreferencesService
	log           zerolog.Logger

	digests    DigestRunner
	queueStats QueueStats
	outbox     OutboxBacklog
	health     Pinger
	adminAuth  func(http.Handler) http.Handler
	apiAuth    func(http.Handler) http.Handler
}

// Option настраивает сервер.
type Option func(*Server)

// WithDigestRunner включает административные ручки дайджестов.
func WithDigestRunner(r DigestRunner) Option {
	return func(s *Server) { s.digests = r }
}

// WithQueueStats добавляет размеры очереди в статистику дайджестов.
func WithQueueStats(q QueueStats) Option {
	return func(s *Server) { s.queueStats = q }
}

// WithOutboxBacklog добавляет в статистику очередь исходящих писем.
func WithOutboxBacklog(o OutboxBacklog) Option {
	return func(s *Server) { s.outbox = o }
}

// WithHealth задаёт проверку хранилища для /healthz.
func WithHealth(p Pinger) Option {
	return func(s *Server) { s.health = p }
}

// WithAdminAuth подключает /admin под переданной авторизацией. Без неё ручки не регистрируются.
func WithAdminAuth(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.adminAuth = mw }
}

// WithAPIAuth закрывает /api/v1 переданной авторизацией. /healthz остаётся открытым.
func WithAPIAuth(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.apiAuth = mw }
}

// NewServer создаёт API.
func NewServer(router EventRouter, notifications domain.NotificationRepo, prefs PreferencesService, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{router: router, notifications: notifications, prefs: prefs, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router возвращает публичные маршруты API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		if s.apiAuth != nil {
			r.Use(s.apiAuth)
		}
		r.Post("/events", s.handleEvent)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/notifications", s.handleListNotifications)
			r.Get("/notifications/unread-count", s.handleUnreadCount)
			r.Post("/notifications/read-all", s.handleMarkAllRead)
			r.Post("/notifications/{notificationID}/read", s.handleMarkRead)
			r.Delete("/notifications/{notificationID}", s.handleDeleteNotification)
			r.Get("/preferences", s.handleGetPreferences)
			r.Put("/preferences", s.handleUpdatePreferences)
		})
	})
	if s.adminAuth != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Mount("/", s.AdminRouter())
		})
	}
	return r
}

// AdminRouter возвращает маршруты управления дайджестами без авторизации.
func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/digests/run", s.handleRunDigests)
	r.Get("/digests/stats", s.handleDigestStats)
	return r
}

type eventRequest struct {
	UserIDs      []int64 `json:"user_ids"`
	Category     string  `json:"category"`
	Title        string  `json:"title"`
	Message      string  `json:"message"`
	ShipmentID   *int64  `json:"shipment_id,omitempty"`
	EmailSubject string  `json:"email_subject,omitempty"`
	EmailBody    string  `json:"email_body,omitempty"`
}

type eventResponse struct {
	CorrelationID string `json:"correlation_id"`
	notify.BatchResult
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "некорректное тело запроса")
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "не указаны получатели")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "не указан заголовок")
		return
	}
	category := domain.Category(strings.TrimSpace(req.Category))
	if category == "" {
		category = domain.CategoryGeneral
	}
	if !domain.ValidCategory(category) {
		writeError(w, http.StatusBadRequest, "invalid_category", "неизвестная категория")
		return
	}

	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	event := domain.Event{
		Category:     category,
		Title:        req.Title,
		Message:      req.Message,
		ShipmentID:   req.ShipmentID,
		EmailSubject: req.EmailSubject,
		EmailBody:    req.EmailBody,
	}
	res := s.router.RouteToMany(r.Context(), req.UserIDs, event)
	s.log.Info().
		Str("correlation_id", correlationID).
		Str("category", string(category)).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("api: событие разослано")

	w.Header().Set(correlationHeader, correlationID)
	writeJSON(w, http.StatusAccepted, eventResponse{CorrelationID: correlationID, BatchResult: res})
}

type notificationDTO struct {
	ID         int64     `json:"id"`
	ShipmentID *int64    `json:"shipment_id,omitempty"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

func toNotificationDTO(n domain.Notification) notificationDTO {
	return notificationDTO{
		ID:         n.ID,
		ShipmentID: n.ShipmentID,
		Type:       string(n.Type),
		Title:      n.Title,
		Message:    n.Message,
		Read:       n.Read,
		CreatedAt:  n.CreatedAt,
	}
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(q.Get("offset"), 0)
	unreadOnly := q.Get("unread") == "1" || q.Get("unread") == "true"

	items, err := s.notifications.ListNotifications(r.Context(), userID, unreadOnly, limit, offset)
	if err != nil {
		s.storageError(w, err, "api: не удалось получить уведомления")
		return
	}
	out := make([]notificationDTO, 0, len(items))
	for _, n := range items {
		out = append(out, toNotificationDTO(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	count, err := s.notifications.CountUnread(r.Context(), userID)
	if err != nil {
		s.storageError(w, err, "api: не удалось посчитать непрочитанные")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	notificationID, ok := pathID(w, r, "notificationID")
	if !ok {
		return
	}
	if err := s.notifications.MarkRead(r.Context(), userID, notificationID); err != nil {
		s.storageError(w, err, "api: не удалось отметить уведомление")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	updated, err := s.notifications.MarkAllRead(r.Context(), userID)
	if err != nil {
		s.storageError(w, err, "api: не удалось отметить уведомления")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	notificationID, ok := pathID(w, r, "notificationID")
	if !ok {
		return
	}
	if err := s.notifications.DeleteNotification(r.Context(), userID, notificationID); err != nil {
		s.storageError(w, err, "api: не удалось удалить уведомление")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type preferencesDTO struct {
	EmailNotifications bool            `json:"email_notifications"`
	EmailFrequency     string          `json:"email_frequency"`
	Categories         map[string]bool `json:"categories"`
	QuietHoursStart    string          `json:"quiet_hours_start"`
	QuietHoursEnd      string          `json:"quiet_hours_end"`
	Timezone           string          `json:"timezone"`
}

func toPreferencesDTO(u domain.User) preferencesDTO {
	cats := make(map[string]bool)
	for c, enabled := range u.CategoryPreferences() {
		cats[string(c)] = enabled
	}
	freq := string(u.EmailFrequency)
	if freq == "" {
		freq = string(domain.FrequencyImmediate)
	}
	tz := u.Timezone
	if tz == "" {
		tz = domain.DefaultTimezone
	}
	return preferencesDTO{
		EmailNotifications: u.EmailNotifications,
		EmailFrequency:     freq,
		Categories:         cats,
		QuietHoursStart:    u.QuietHoursStart,
		QuietHoursEnd:      u.QuietHoursEnd,
		Timezone:           tz,
	}
}

type preferencesRequest struct {
	EmailNotifications *bool           `json:"email_notifications"`
	EmailFrequency     *string         `json:"email_frequency"`
	Categories         map[string]bool `json:"categories"`
	QuietHoursStart    *string         `json:"quiet_hours_start"`
	QuietHoursEnd      *string         `json:"quiet_hours_end"`
	Timezone           *string         `json:"timezone"`
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	user, err := s.prefs.Get(r.Context(), userID)
	if err != nil {
		s.storageError(w, err, "api: не удалось получить настройки")
		return
	}
	writeJSON(w, http.StatusOK, toPreferencesDTO(user))
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "некорректное тело запроса")
		return
	}
	upd := preferences.Update{
		EmailNotifications: req.EmailNotifications,
		EmailFrequency:     req.EmailFrequency,
		QuietHoursStart:    req.QuietHoursStart,
		QuietHoursEnd:      req.QuietHoursEnd,
		Timezone:           req.Timezone,
	}
	if len(req.Categories) > 0 {
		upd.Categories = make(map[domain.Category]bool, len(req.Categories))
		for c, enabled := range req.Categories {
			upd.Categories[domain.Category(c)] = enabled
		}
	}

	user, err := s.prefs.Apply(r.Context(), userID, upd)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toPreferencesDTO(user))
	case errors.Is(err, preferences.ErrInvalidTimezone),
		errors.Is(err, preferences.ErrInvalidFrequency),
		errors.Is(err, preferences.ErrInvalidQuietHours),
		errors.Is(err, preferences.ErrUnknownCategory):
		writeError(w, http.StatusBadRequest, "invalid_preferences", err.Error())
	default:
		s.storageError(w, err, "api: не удалось сохранить настройки")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("api: хранилище недоступно")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runResponse struct {
	Stats domain.RunStats `json:"stats"`
	Error string          `json:"error,omitempty"`
}

func (s *Server) handleRunDigests(w http.ResponseWriter, r *http.Request) {
	if s.digests == nil {
		writeError(w, http.StatusNotImplemented, "digests_disabled", "планировщик дайджестов не подключён")
		return
	}
	stats, err := s.digests.RunOnce(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, runResponse{Stats: stats})
	case errors.Is(err, cron.ErrTickInProgress):
		writeError(w, http.StatusConflict, "tick_in_progress", "прогон дайджестов уже выполняется")
	default:
		s.log.Error().Err(err).Msg("api: ручной прогон дайджестов завершился с ошибкой")
		writeJSON(w, http.StatusInternalServerError, runResponse{Stats: stats, Error: err.Error()})
	}
}

type statsResponse struct {
	LastRun *domain.RunStats `json:"last_run"`
	Queue   map[string]int   `json:"queue,omitempty"`
	Outbox  *int64           `json:"outbox,omitempty"`
}

func (s *Server) handleDigestStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if s.digests != nil {
		if last, ok := s.digests.LastRun(); ok {
			resp.LastRun = &last
		}
	}
	if s.queueStats != nil {
		queue, err := s.queueStats.DigestQueueStats(r.Context())
		if err != nil {
			s.storageError(w, err, "api: не удалось получить статистику очереди")
			return
		}
		resp.Queue = queue
	}
	if s.outbox != nil {
		backlog, err := s.outbox.Backlog(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("api: не удалось получить длину очереди писем")
			writeError(w, http.StatusServiceUnavailable, "outbox_unavailable", "очередь писем недоступна")
			return
		}
		resp.Outbox = &backlog
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) storageError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", "пользователь не найден")
	case errors.Is(err, domain.ErrNotificationNotFound):
		writeError(w, http.StatusNotFound, "notification_not_found", "уведомление не найдено")
	case errors.Is(err, domain.ErrDatabaseUnavailable):
		s.log.Error().Err(err).Msg(msg)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "хранилище недоступно")
	default:
		s.log.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, "internal_error", "внутренняя ошибка")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "некорректный идентификатор "+name)
		return 0, false
	}
	return id, true
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
