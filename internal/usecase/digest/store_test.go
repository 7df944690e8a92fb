package digest

import (
	"context"
	"sort"
	"sync"
	"time"

	"shipment-notifier/internal/domain"
)

// memStore — хранилище в памяти для тестов планировщика и рассыльщика.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]domain.User
	entries     []domain.DigestEntry
	shipments   map[int64]domain.Shipment
	events      []domain.TrackingEvent
	attachments map[int64][]string

	listErr      error
	findErr      map[int64]error
	metrics      []domain.BusinessMetric
	nextID       int64
	claimLog     []int64
	listDueCalls int
}

func newMemStore(users ...domain.User) *memStore {
	s := &memStore{
		users:       make(map[int64]domain.User),
		shipments:   make(map[int64]domain.Shipment),
		attachments: make(map[int64][]string),
		findErr:     make(map[int64]error),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) GetUser(_ context.Context, id int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) ListDigestRecipients(context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.users[id])
	}
	return out, nil
}

func (s *memStore) UpdatePreferences(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *memStore) FindPending(_ context.Context, userID int64, digestType domain.DigestType) (domain.DigestEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.findErr[userID]; err != nil {
		return domain.DigestEntry{}, false, err
	}
	for _, e := range s.entries {
		if e.UserID == userID && e.DigestType == digestType && e.Pending() {
			return e, true, nil
		}
	}
	return domain.DigestEntry{}, false, nil
}

func (s *memStore) InsertPending(_ context.Context, entry domain.DigestEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID == entry.UserID && e.DigestType == entry.DigestType && e.Pending() {
			return false, nil
		}
	}
	s.nextID++
	entry.ID = s.nextID
	s.entries = append(s.entries, entry)
	return true, nil
}

func (s *memStore) ListDue(_ context.Context, now time.Time, after domain.DueCursor, limit int) ([]domain.DigestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listDueCalls++
	var out []domain.DigestEntry
	for _, e := range s.entries {
		if e.Pending() && !e.ScheduledFor.After(now) && after.Before(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) LastSentAt(_ context.Context, userID int64, digestType domain.DigestType) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, e := range s.entries {
		if e.UserID != userID || e.DigestType != digestType || !e.Sent || e.SentAt == nil {
			continue
		}
		if !found || e.SentAt.After(last) {
			last, found = *e.SentAt, true
		}
	}
	return last, found, nil
}

func (s *memStore) ClaimAttempt(_ context.Context, entryID int64, now time.Time, lease time.Duration) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		e := &s.entries[i]
		if e.ID != entryID {
			continue
		}
		if !e.Pending() {
			return 0, false, nil
		}
		if e.LastAttemptAt != nil && !e.LastAttemptAt.Before(now.Add(-lease)) {
			return 0, false, nil
		}
		e.Attempts++
		at := now
		e.LastAttemptAt = &at
		s.claimLog = append(s.claimLog, entryID)
		return e.Attempts, true, nil
	}
	return 0, false, nil
}

func (s *memStore) MarkSent(_ context.Context, entryID int64, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		e := &s.entries[i]
		if e.ID == entryID && !e.Sent {
			e.Sent = true
			at := sentAt
			e.SentAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MarkFailed(_ context.Context, entryID int64, failedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		e := &s.entries[i]
		if e.ID == entryID && !e.Sent && e.FailedAt == nil {
			at := failedAt
			e.FailedAt = &at
			e.FailureReason = reason
		}
	}
	return nil
}

func (s *memStore) ListTrackingEventsSince(_ context.Context, since time.Time) ([]domain.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackingEvent
	for _, ev := range s.events {
		if !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) GetShipments(_ context.Context, ids []int64) ([]domain.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Shipment
	for _, id := range ids {
		if sh, ok := s.shipments[id]; ok {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (s *memStore) ListShipmentsUpdatedSince(_ context.Context, since time.Time) ([]domain.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Shipment
	for _, sh := range s.sortedShipments() {
		if !sh.UpdatedAt.Before(since) {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (s *memStore) ListActiveShipments(context.Context) ([]domain.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Shipment
	for _, sh := range s.sortedShipments() {
		if !sh.Delivered {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (s *memStore) ListAttachmentTypes(_ context.Context, ids []int64) (map[int64][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]string, len(ids))
	for _, id := range ids {
		if types, ok := s.attachments[id]; ok {
			out[id] = append([]string(nil), types...)
		}
	}
	return out, nil
}

func (s *memStore) RecordBusinessMetric(_ context.Context, m domain.BusinessMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *memStore) sortedShipments() []domain.Shipment {
	out := make([]domain.Shipment, 0, len(s.shipments))
	for _, sh := range s.shipments {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) pending() []domain.DigestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DigestEntry
	for _, e := range s.entries {
		if e.Pending() {
			out = append(out, e)
		}
	}
	return out
}

type recordingSender struct {
	mu   sync.Mutex
	ok   bool
	sent []sentDigest
}

type sentDigest struct {
	to, subject, body string
}

func (r *recordingSender) Send(_ context.Context, to, subject, body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentDigest{to: to, subject: subject, body: body})
	return r.ok
}

// fakeClock — управляемые часы для тестов.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
