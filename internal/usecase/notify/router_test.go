package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shipment-notifier/internal/domain"
)

type stubRepo struct {
	users         map[int64]domain.User
	notifications []domain.Notification
	createErr     error
}

func (s *stubRepo) GetUser(_ context.Context, id int64) (domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}
func (s *stubRepo) ListDigestRecipients(context.Context) ([]domain.User, error) { return nil, nil }
func (s *stubRepo) UpdatePreferences(context.Context, domain.User) error        { return nil }
func (s *stubRepo) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	if s.createErr != nil {
		return domain.Notification{}, s.createErr
	}
	n.ID = int64(len(s.notifications) + 1)
	s.notifications = append(s.notifications, n)
	return n, nil
}
func (s *stubRepo) ListNotifications(context.Context, int64, bool, int, int) ([]domain.Notification, error) {
	return s.notifications, nil
}
func (s *stubRepo) CountUnread(context.Context, int64) (int, error)        { return 0, nil }
func (s *stubRepo) MarkRead(context.Context, int64, int64) error           { return nil }
func (s *stubRepo) MarkAllRead(context.Context, int64) (int64, error)      { return 0, nil }
func (s *stubRepo) DeleteNotification(context.Context, int64, int64) error { return nil }

type fakeSender struct {
	ok   bool
	sent []sentEmail
}

type sentEmail struct {
	to, subject, body string
}

func (f *fakeSender) Send(_ context.Context, to, subject, body string) bool {
	f.sent = append(f.sent, sentEmail{to: to, subject: subject, body: body})
	return f.ok
}

type fakeAnalytics struct {
	events []domain.BusinessMetric
}

func (f *fakeAnalytics) RecordBusinessMetric(_ context.Context, m domain.BusinessMetric) error {
	f.events = append(f.events, m)
	return nil
}

func newUser(id int64, freq domain.EmailFrequency) domain.User {
	return domain.User{
		ID:                         id,
		Email:                      "user@example.com",
		Name:                       "Анна",
		EmailNotifications:         true,
		EmailFrequency:             freq,
		NotifyContainerUpdates:     true,
		NotifyDischargeDateChanges: true,
		NotifyMissingDocuments:     true,
		NotifyOnStatusChange:       true,
		NotifyOnDelay:              true,
		NotifyOnArrival:            true,
	}
}

func newTestRouter(repo *stubRepo, sender *fakeSender, opts ...Option) *Router {
	return NewRouter(repo, repo, sender, zerolog.Nop(), opts...)
}

func containerEvent() domain.Event {
	shipmentID := int64(7)
	return domain.Event{
		Category:   domain.CategoryContainerUpdates,
		Title:      "Контейнер MSCU1234567 выгружен",
		Message:    "Статус: Discharged",
		ShipmentID: &shipmentID,
	}
}

func TestRouteImmediateSendsOneEmail(t *testing.T) {
	repo := &stubRepo{users: map[int64]domain.User{1: newUser(1, domain.FrequencyImmediate)}}
	sender := &fakeSender{ok: true}
	analytics := &fakeAnalytics{}
	router := newTestRouter(repo, sender, WithAnalytics(analytics), WithBaseURL("https://app.example.com/"))

	res, err := router.Route(context.Background(), 1, containerEvent())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.notifications) != 1 {
		t.Fatalf("ожидали 1 уведомление, получили %d", len(repo.notifications))
	}
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали 1 письмо, получили %d", len(sender.sent))
	}
	if !res.EmailSent || res.Deferred {
		t.Fatalf("ожидали немедленную отправку: %+v", res)
	}
	if !strings.Contains(sender.sent[0].subject, "MSCU1234567") {
		t.Fatalf("ожидали заголовок события в теме, получили %q", sender.sent[0].subject)
	}
	if !strings.Contains(sender.sent[0].body, "https://app.example.com/shipments/7") {
		t.Fatalf("ожидали ссылку на отправление в письме")
	}
	if len(analytics.events) != 1 || analytics.events[0].Event != domain.BusinessMetricEventImmediateEmailSent {
		t.Fatalf("ожидали бизнес-метрику об отправке")
	}
}

func TestRouteDeferredCreatesNotificationOnly(t *testing.T) {
	for _, freq := range []domain.EmailFrequency{domain.FrequencyHourly, domain.FrequencyDaily, domain.FrequencyWeekly} {
		t.Run(string(freq), func(t *testing.T) {
			repo := &stubRepo{users: map[int64]domain.User{1: newUser(1, freq)}}
			sender := &fakeSender{ok: true}
			router := newTestRouter(repo, sender)

			res, err := router.Route(context.Background(), 1, containerEvent())
			if err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if len(repo.notifications) != 1 {
				t.Fatalf("ожидали 1 уведомление, получили %d", len(repo.notifications))
			}
			if len(sender.sent) != 0 {
				t.Fatalf("не ожидали писем, получили %d", len(sender.sent))
			}
			if !res.Deferred {
				t.Fatalf("ожидали отложенную доставку")
			}
		})
	}
}

func TestRouteDisabledNotifications(t *testing.T) {
	user := newUser(2, domain.FrequencyImmediate)
	user.EmailNotifications = false
	repo := &stubRepo{users: map[int64]domain.User{2: user}}
	sender := &fakeSender{ok: true}
	router := newTestRouter(repo, sender)

	res, err := router.Route(context.Background(), 2, containerEvent())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.notifications) != 1 || len(sender.sent) != 0 {
		t.Fatalf("ожидали только уведомление в приложении")
	}
	if res.Deferred || res.EmailAttempted {
		t.Fatalf("письмо не должно ни отправляться, ни откладываться: %+v", res)
	}
}

func TestRouteUserNotFound(t *testing.T) {
	repo := &stubRepo{users: map[int64]domain.User{}}
	router := newTestRouter(repo, &fakeSender{ok: true})

	_, err := router.Route(context.Background(), 42, containerEvent())
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("ожидали ErrUserNotFound, получили %v", err)
	}
	if len(repo.notifications) != 0 {
		t.Fatalf("не ожидали уведомлений")
	}
}

func TestRouteSendFailureKeepsNotification(t *testing.T) {
	repo := &stubRepo{users: map[int64]domain.User{1: newUser(1, domain.FrequencyImmediate)}}
	sender := &fakeSender{ok: false}
	router := newTestRouter(repo, sender)

	res, err := router.Route(context.Background(), 1, containerEvent())
	if err != nil {
		t.Fatalf("неудачная отправка не должна возвращать ошибку: %v", err)
	}
	if res.EmailSent || !res.EmailAttempted {
		t.Fatalf("ожидали неудачную попытку отправки: %+v", res)
	}
	if len(repo.notifications) != 1 {
		t.Fatalf("уведомление должно сохраниться")
	}
}

func TestRouteSkipsDisabledCategory(t *testing.T) {
	user := newUser(1, domain.FrequencyImmediate)
	user.NotifyContainerUpdates = false
	repo := &stubRepo{users: map[int64]domain.User{1: user}}
	sender := &fakeSender{ok: true}
	router := newTestRouter(repo, sender)

	if _, err := router.Route(context.Background(), 1, containerEvent()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.notifications) != 1 || len(sender.sent) != 0 {
		t.Fatalf("ожидали уведомление без письма")
	}
}

func TestRouteUsesSuppliedEmail(t *testing.T) {
	repo := &stubRepo{users: map[int64]domain.User{1: newUser(1, domain.FrequencyImmediate)}}
	sender := &fakeSender{ok: true}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	router := newTestRouter(repo, sender, WithClock(func() time.Time { return fixed }))

	event := containerEvent()
	event.EmailSubject = "Готовая тема"
	event.EmailBody = "<p>готовое тело</p>"
	if _, err := router.Route(context.Background(), 1, event); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if sender.sent[0].subject != "Готовая тема" || sender.sent[0].body != "<p>готовое тело</p>" {
		t.Fatalf("ожидали переданное содержимое письма, получили %+v", sender.sent[0])
	}
	if !repo.notifications[0].CreatedAt.Equal(fixed) {
		t.Fatalf("ожидали время создания из часов роутера")
	}
}

func TestRouteToManyIsolatesFailures(t *testing.T) {
	repo := &stubRepo{users: map[int64]domain.User{
		1: newUser(1, domain.FrequencyImmediate),
		3: newUser(3, domain.FrequencyDaily),
	}}
	sender := &fakeSender{ok: false}
	router := newTestRouter(repo, sender)

	res := router.RouteToMany(context.Background(), []int64{1, 2, 3}, containerEvent())
	if res.Succeeded != 2 || res.Failed != 1 || res.EmailFailed != 1 {
		t.Fatalf("неожиданный итог рассылки: %+v", res)
	}
	if len(repo.notifications) != 2 {
		t.Fatalf("ожидали 2 уведомления, получили %d", len(repo.notifications))
	}
}

func TestRouteCreateFailure(t *testing.T) {
	repo := &stubRepo{
		users:     map[int64]domain.User{1: newUser(1, domain.FrequencyImmediate)},
		createErr: domain.ErrDatabaseUnavailable,
	}
	sender := &fakeSender{ok: true}
	router := newTestRouter(repo, sender)

	_, err := router.Route(context.Background(), 1, containerEvent())
	if !errors.Is(err, domain.ErrDatabaseUnavailable) {
		t.Fatalf("ожидали ErrDatabaseUnavailable, получили %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("без уведомления письмо не отправляется")
	}
}
