package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
	httpinfra "shipment-notifier/internal/infra/http"
	"shipment-notifier/internal/usecase/cron"
	"shipment-notifier/internal/usecase/notify"
	"shipment-notifier/internal/usecase/preferences"
)

type stubRouter struct {
	mu     sync.Mutex
	calls  []domain.Event
	ids    [][]int64
	result notify.BatchResult
}

func (s *stubRouter) RouteToMany(_ context.Context, userIDs []int64, event domain.Event) notify.BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, event)
	s.ids = append(s.ids, userIDs)
	return s.result
}

type memInbox struct {
	mu    sync.Mutex
	items []domain.Notification
	err   error
}

func (m *memInbox) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = int64(len(m.items) + 1)
	m.items = append(m.items, n)
	return n, nil
}

func (m *memInbox) ListNotifications(_ context.Context, userID int64, unreadOnly bool, limit, offset int) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Notification
	for _, n := range m.items {
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInbox) CountUnread(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.items {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *memInbox) MarkRead(_ context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UserID == userID {
			m.items[i].Read = true
			return nil
		}
	}
	return domain.ErrNotificationNotFound
}

func (m *memInbox) MarkAllRead(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.items {
		if m.items[i].UserID == userID && !m.items[i].Read {
			m.items[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *memInbox) DeleteNotification(_ context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UserID == userID {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotificationNotFound
}

type memUsers struct {
	mu    sync.Mutex
	users map[int64]domain.User
}

func (m *memUsers) GetUser(_ context.Context, id int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) ListDigestRecipients(context.Context) ([]domain.User, error) { return nil, nil }

func (m *memUsers) UpdatePreferences(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

type stubRunner struct {
	stats domain.RunStats
	err   error
	last  *domain.RunStats
}

func (s *stubRunner) RunOnce(context.Context) (domain.RunStats, error) { return s.stats, s.err }

func (s *stubRunner) LastRun() (domain.RunStats, bool) {
	if s.last == nil {
		return domain.RunStats{}, false
	}
	return *s.last, true
}

type stubQueue map[string]int

func (q stubQueue) DigestQueueStats(context.Context) (map[string]int, error) { return q, nil }

type stubOutbox struct {
	n   int64
	err error
}

func (o stubOutbox) Backlog(context.Context) (int64, error) { return o.n, o.err }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	router *stubRouter
	inbox  *memInbox
	users  *memUsers
	runner *stubRunner
	srv    *Server
}

func newFixture() *fixture {
	f := &fixture{
		router: &stubRouter{},
		inbox:  &memInbox{},
		users:  &memUsers{users: map[int64]domain.User{7: {ID: 7, Email: "ops@example.com", EmailNotifications: true}}},
		runner: &stubRunner{},
	}
	f.srv = NewServer(f.router, f.inbox, preferences.NewService(f.users), zerolog.Nop(),
		WithDigestRunner(f.runner),
		WithQueueStats(stubQueue{"pending": 2, "sent": 5, "failed": 1}),
	)
	return f
}

func (f *fixture) do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("не удалось закодировать тело: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("не удалось разобрать ответ %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleEventRoutesToAllRecipients(t *testing.T) {
	f := newFixture()
	f.router.result = notify.BatchResult{Succeeded: 2, Failed: 1}
	shipment := int64(42)

	rec := f.do(t, f.srv.Router(), http.MethodPost, "/api/v1/events", eventRequest{
		UserIDs:    []int64{1, 2, 3},
		Category:   string(domain.CategoryDelay),
		Title:      "Задержка",
		Message:    "Судно задерживается",
		ShipmentID: &shipment,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидали 202, получили %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[eventResponse](t, rec)
	if resp.CorrelationID == "" || rec.Header().Get(correlationHeader) != resp.CorrelationID {
		t.Fatalf("ожидали идентификатор корреляции в теле и заголовке: %+v", resp)
	}
	if resp.Succeeded != 2 || resp.Failed != 1 {
		t.Fatalf("неожиданный итог: %+v", resp)
	}
	if len(f.router.calls) != 1 || f.router.calls[0].Category != domain.CategoryDelay || *f.router.calls[0].ShipmentID != 42 {
		t.Fatalf("событие передано неверно: %+v", f.router.calls)
	}
	if len(f.router.ids[0]) != 3 {
		t.Fatalf("ожидали трёх получателей, получили %v", f.router.ids[0])
	}
}

func TestHandleEventKeepsIncomingCorrelationID(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(`{"user_ids":[1],"title":"Привет"}`))
	req.Header.Set(correlationHeader, "abc-123")
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидали 202, получили %d", rec.Code)
	}
	if got := decode[eventResponse](t, rec).CorrelationID; got != "abc-123" {
		t.Fatalf("ожидали входящий идентификатор, получили %q", got)
	}
	if f.router.calls[0].Category != domain.CategoryGeneral {
		t.Fatalf("пустая категория должна стать general, получили %q", f.router.calls[0].Category)
	}
}

func TestHandleEventValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "битый json", body: "{", code: "invalid_json"},
		{name: "без получателей", body: `{"title":"x"}`, code: "invalid_request"},
		{name: "без заголовка", body: `{"user_ids":[1]}`, code: "invalid_request"},
		{name: "неизвестная категория", body: `{"user_ids":[1],"title":"x","category":"weather"}`, code: "invalid_category"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			rec := f.do(t, f.srv.Router(), http.MethodPost, "/api/v1/events", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("ожидали 400, получили %d", rec.Code)
			}
			if got := decode[errorResponse](t, rec).Code; got != tc.code {
				t.Fatalf("ожидали код %q, получили %q", tc.code, got)
			}
			if len(f.router.calls) != 0 {
				t.Fatalf("невалидное событие не должно маршрутизироваться")
			}
		})
	}
}

func seedInbox(f *fixture) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, _ = f.inbox.CreateNotification(context.Background(), domain.Notification{
			UserID:    7,
			Type:      domain.CategoryArrival,
			Title:     fmt.Sprintf("Уведомление %d", i+1),
			CreatedAt: now,
		})
	}
	_, _ = f.inbox.CreateNotification(context.Background(), domain.Notification{UserID: 8, Title: "чужое"})
}

func TestInboxLifecycle(t *testing.T) {
	f := newFixture()
	seedInbox(f)
	h := f.srv.Router()

	rec := f.do(t, h, http.MethodGet, "/api/v1/users/7/notifications?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	list := decode[struct {
		Items []notificationDTO `json:"items"`
	}](t, rec)
	if len(list.Items) != 2 || list.Items[0].Type != string(domain.CategoryArrival) {
		t.Fatalf("неожиданный список: %+v", list.Items)
	}

	if rec := f.do(t, h, http.MethodPost, "/api/v1/users/7/notifications/1/read", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d", rec.Code)
	}
	rec = f.do(t, h, http.MethodGet, "/api/v1/users/7/notifications/unread-count", nil)
	if got := decode[map[string]int](t, rec)["count"]; got != 2 {
		t.Fatalf("ожидали 2 непрочитанных, получили %d", got)
	}

	rec = f.do(t, h, http.MethodGet, "/api/v1/users/7/notifications?unread=1", nil)
	unread := decode[struct {
		Items []notificationDTO `json:"items"`
	}](t, rec)
	if len(unread.Items) != 2 {
		t.Fatalf("фильтр непрочитанных вернул %d", len(unread.Items))
	}

	rec = f.do(t, h, http.MethodPost, "/api/v1/users/7/notifications/read-all", nil)
	if got := decode[map[string]int64](t, rec)["updated"]; got != 2 {
		t.Fatalf("ожидали 2 обновлённых, получили %d", got)
	}

	if rec := f.do(t, h, http.MethodDelete, "/api/v1/users/7/notifications/2", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204 при удалении, получили %d", rec.Code)
	}
	if rec := f.do(t, h, http.MethodDelete, "/api/v1/users/7/notifications/4", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("чужое уведомление удалять нельзя, получили %d", rec.Code)
	}
}

func TestInboxErrors(t *testing.T) {
	f := newFixture()
	h := f.srv.Router()

	if rec := f.do(t, h, http.MethodGet, "/api/v1/users/abc/notifications", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400 для некорректного id, получили %d", rec.Code)
	}
	if rec := f.do(t, h, http.MethodPost, "/api/v1/users/7/notifications/99/read", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
	f.inbox.err = fmt.Errorf("%w: timeout", domain.ErrDatabaseUnavailable)
	if rec := f.do(t, h, http.MethodGet, "/api/v1/users/7/notifications", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ожидали 503 при недоступной базе, получили %d", rec.Code)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	f := newFixture()
	h := f.srv.Router()

	rec := f.do(t, h, http.MethodGet, "/api/v1/users/7/preferences", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	got := decode[preferencesDTO](t, rec)
	if got.EmailFrequency != "immediate" || got.Timezone != "UTC" {
		t.Fatalf("ожидали значения по умолчанию: %+v", got)
	}

	rec = f.do(t, h, http.MethodPut, "/api/v1/users/7/preferences", map[string]any{
		"email_frequency":   "daily",
		"categories":        map[string]bool{"delay": true},
		"quiet_hours_start": "22:00",
		"quiet_hours_end":   "7:00",
		"timezone":          "Europe/Moscow",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	got = decode[preferencesDTO](t, rec)
	if got.EmailFrequency != "daily" || got.QuietHoursEnd != "07:00" || !got.Categories["delay"] || got.Timezone != "Europe/Moscow" {
		t.Fatalf("настройки не применились: %+v", got)
	}
	if stored := f.users.users[7]; stored.EmailFrequency != domain.FrequencyDaily {
		t.Fatalf("настройки не сохранены: %+v", stored)
	}
}

func TestPreferencesErrors(t *testing.T) {
	f := newFixture()
	h := f.srv.Router()

	rec := f.do(t, h, http.MethodPut, "/api/v1/users/7/preferences", map[string]any{"email_frequency": "monthly"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
	if rec := f.do(t, h, http.MethodGet, "/api/v1/users/99/preferences", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture()
	if rec := f.do(t, f.srv.Router(), http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("без проверки хранилища ожидали 200, получили %d", rec.Code)
	}
	WithHealth(pingFunc(func(context.Context) error { return errors.New("down") }))(f.srv)
	if rec := f.do(t, f.srv.Router(), http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ожидали 503, получили %d", rec.Code)
	}
}

func TestAdminRunDigests(t *testing.T) {
	f := newFixture()
	h := f.srv.AdminRouter()

	f.runner.stats = domain.RunStats{Scheduled: 3, Sent: 2, Manual: true}
	rec := f.do(t, h, http.MethodPost, "/digests/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if got := decode[runResponse](t, rec); got.Stats.Sent != 2 || !got.Stats.Manual {
		t.Fatalf("неожиданная статистика: %+v", got)
	}

	f.runner.err = cron.ErrTickInProgress
	if rec := f.do(t, h, http.MethodPost, "/digests/run", nil); rec.Code != http.StatusConflict {
		t.Fatalf("ожидали 409 при параллельном прогоне, получили %d", rec.Code)
	}

	f.runner.err = errors.New("boom")
	rec = f.do(t, h, http.MethodPost, "/digests/run", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("ожидали 500, получили %d", rec.Code)
	}
	if got := decode[runResponse](t, rec); got.Error != "boom" || got.Stats.Scheduled != 3 {
		t.Fatalf("ответ должен содержать статистику и ошибку: %+v", got)
	}
}

func TestAdminDigestStats(t *testing.T) {
	f := newFixture()
	h := f.srv.AdminRouter()

	got := decode[statsResponse](t, f.do(t, h, http.MethodGet, "/digests/stats", nil))
	if got.LastRun != nil || got.Queue["pending"] != 2 {
		t.Fatalf("неожиданная статистика до первого прогона: %+v", got)
	}

	f.runner.last = &domain.RunStats{Sent: 4}
	got = decode[statsResponse](t, f.do(t, h, http.MethodGet, "/digests/stats", nil))
	if got.LastRun == nil || got.LastRun.Sent != 4 || got.Queue["failed"] != 1 {
		t.Fatalf("неожиданная статистика: %+v", got)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	f := newFixture()
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer ok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	if rec := f.do(t, f.srv.Router(), http.MethodPost, "/admin/digests/run", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("без авторизации админ-ручки не регистрируются, получили %d", rec.Code)
	}

	WithAdminAuth(deny)(f.srv)
	h := f.srv.Router()
	if rec := f.do(t, h, http.MethodPost, "/admin/digests/run", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/digests/stats", nil)
	req.Header.Set("Authorization", "Bearer ok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200 с токеном, получили %d", rec.Code)
	}
}

func TestAdminDigestStatsIncludesOutbox(t *testing.T) {
	f := newFixture()
	got := decode[statsResponse](t, f.do(t, f.srv.AdminRouter(), http.MethodGet, "/digests/stats", nil))
	if got.Outbox != nil {
		t.Fatalf("без очереди писем поле outbox не заполняется: %+v", got)
	}

	WithOutboxBacklog(stubOutbox{n: 12})(f.srv)
	got = decode[statsResponse](t, f.do(t, f.srv.AdminRouter(), http.MethodGet, "/digests/stats", nil))
	if got.Outbox == nil || *got.Outbox != 12 || got.Queue["pending"] != 2 {
		t.Fatalf("ожидали 12 писем в очереди: %+v", got)
	}

	WithOutboxBacklog(stubOutbox{err: errors.New("redis down")})(f.srv)
	rec := f.do(t, f.srv.AdminRouter(), http.MethodGet, "/digests/stats", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ожидали 503 при недоступной очереди писем, получили %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Code != "outbox_unavailable" {
		t.Fatalf("неожиданный код ошибки: %+v", got)
	}
}

func TestAPIRoutesRequireAuth(t *testing.T) {
	f := newFixture()
	WithAPIAuth(httpinfra.BearerAuthMiddleware("api-secret"))(f.srv)
	h := f.srv.Router()

	if rec := f.do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("/healthz остаётся открытым, получили %d", rec.Code)
	}
	if rec := f.do(t, h, http.MethodGet, "/api/v1/users/7/preferences", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("без токена ожидали 401, получили %d", rec.Code)
	}
	if rec := f.do(t, h, http.MethodPost, "/api/v1/events", map[string]any{"user_ids": []int64{7}}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("без токена события не принимаются, получили %d", rec.Code)
	}
	if len(f.router.calls) != 0 {
		t.Fatalf("неавторизованное событие не должно маршрутизироваться")
	}

	for token, want := range map[string]int{"wrong": http.StatusForbidden, "api-secret": http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/users/7/preferences", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("токен %q: ожидали %d, получили %d", token, want, rec.Code)
		}
	}
}
