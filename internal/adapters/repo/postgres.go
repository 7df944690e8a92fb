package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"shipment-notifier/internal/domain"
	"shipment-notifier/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo           = (*Postgres)(nil)
	_ domain.NotificationRepo   = (*Postgres)(nil)
	_ domain.DigestQueueRepo    = (*Postgres)(nil)
	_ domain.ShipmentRepo       = (*Postgres)(nil)
	_ domain.BusinessMetricRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Ping проверяет доступность БД.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	err := p.pool.Ping(ctx)
	metrics.ObserveNetworkRequest("postgres", "ping", "postgres", start, err)
	return wrapErr(err)
}

// wrapErr помечает ошибки соединения как domain.ErrDatabaseUnavailable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %w", domain.ErrDatabaseUnavailable, err)
	}
	return err
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Класс 08 — ошибки соединения, 57P — администратор остановил сервер.
		return len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code == "57P01" || pgErr.Code == "57P03")
	}
	return false
}

const userColumns = `id, email, name, email_notifications, email_frequency,
notify_container_updates, notify_discharge_date_changes, notify_missing_documents,
notify_on_status_change, notify_on_delay, notify_on_arrival,
quiet_hours_start, quiet_hours_end, timezone, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u          domain.User
		frequency  string
		quietStart sql.NullString
		quietEnd   sql.NullString
		tz         sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.EmailNotifications, &frequency,
		&u.NotifyContainerUpdates, &u.NotifyDischargeDateChanges, &u.NotifyMissingDocuments,
		&u.NotifyOnStatusChange, &u.NotifyOnDelay, &u.NotifyOnArrival,
		&quietStart, &quietEnd, &tz, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	if parsed, ok := domain.ParseFrequency(frequency); ok {
		u.EmailFrequency = parsed
	} else {
		u.EmailFrequency = domain.FrequencyImmediate
	}
	if quietStart.Valid {
		u.QuietHoursStart = quietStart.String
	}
	if quietEnd.Valid {
		u.QuietHoursEnd = quietEnd.String
	}
	u.Timezone = domain.DefaultTimezone
	if tz.Valid && tz.String != "" {
		u.Timezone = tz.String
	}
	return u, nil
}

// GetUser возвращает профиль уведомлений.
func (p *Postgres) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, nil)
		return domain.User{}, domain.ErrUserNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if err != nil {
		return domain.User{}, wrapErr(err)
	}
	return user, nil
}

// ListDigestRecipients возвращает пользователей с включёнными письмами и частотой, отличной от immediate.
func (p *Postgres) ListDigestRecipients(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+userColumns+`
FROM users
WHERE email_notifications = TRUE AND email_frequency IN ('hourly', 'daily', 'weekly')
ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "users_list_digest_recipients", "users", start, err)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, wrapErr(rows.Err())
}

// UpdatePreferences сохраняет настройки уведомлений.
func (p *Postgres) UpdatePreferences(ctx context.Context, u domain.User) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE users SET
    email_notifications = $2,
    email_frequency = $3,
    notify_container_updates = $4,
    notify_discharge_date_changes = $5,
    notify_missing_documents = $6,
    notify_on_status_change = $7,
    notify_on_delay = $8,
    notify_on_arrival = $9,
    quiet_hours_start = NULLIF($10, ''),
    quiet_hours_end = NULLIF($11, ''),
    timezone = $12,
    updated_at = now()
WHERE id = $1
`, u.ID, u.EmailNotifications, string(u.EmailFrequency),
		u.NotifyContainerUpdates, u.NotifyDischargeDateChanges, u.NotifyMissingDocuments,
		u.NotifyOnStatusChange, u.NotifyOnDelay, u.NotifyOnArrival,
		u.QuietHoursStart, u.QuietHoursEnd, u.Timezone)
	metrics.ObserveNetworkRequest("postgres", "users_update_preferences", "users", start, err)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// CreateNotification сохраняет уведомление в центре уведомлений.
func (p *Postgres) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var shipmentID sql.NullInt64
	if n.ShipmentID != nil {
		shipmentID = sql.NullInt64{Int64: *n.ShipmentID, Valid: true}
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO notifications (user_id, shipment_id, type, title, message, read, created_at)
VALUES ($1, $2, $3, $4, $5, FALSE, $6)
RETURNING id
`, n.UserID, shipmentID, string(n.Type), n.Title, n.Message, n.CreatedAt).Scan(&n.ID)
	metrics.ObserveNetworkRequest("postgres", "notifications_insert", "notifications", start, err)
	if err != nil {
		return domain.Notification{}, wrapErr(err)
	}
	n.Read = false
	return n, nil
}

// ListNotifications возвращает уведомления пользователя, новые первыми.
func (p *Postgres) ListNotifications(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]domain.Notification, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, shipment_id, type, title, message, read, created_at
FROM notifications
WHERE user_id = $1 AND ($2 = FALSE OR read = FALSE)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4
`, userID, unreadOnly, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "notifications_list", "notifications", start, err)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n          domain.Notification
			shipmentID sql.NullInt64
			typ        string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &shipmentID, &typ, &n.Title, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = domain.Category(typ)
		if shipmentID.Valid {
			id := shipmentID.Int64
			n.ShipmentID = &id
		}
		out = append(out, n)
	}
	return out, wrapErr(rows.Err())
}

// CountUnread возвращает число непрочитанных уведомлений.
func (p *Postgres) CountUnread(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read = FALSE`, userID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "notifications_count_unread", "notifications", start, err)
	return count, wrapErr(err)
}

// MarkRead помечает уведомление прочитанным.
func (p *Postgres) MarkRead(ctx context.Context, userID, notificationID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id=$1 AND user_id=$2`, notificationID, userID)
	metrics.ObserveNetworkRequest("postgres", "notifications_mark_read", "notifications", start, err)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead помечает прочитанными все уведомления пользователя.
func (p *Postgres) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE user_id=$1 AND read = FALSE`, userID)
	metrics.ObserveNetworkRequest("postgres", "notifications_mark_all_read", "notifications", start, err)
	if err != nil {
		return 0, wrapErr(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteNotification удаляет уведомление пользователя.
func (p *Postgres) DeleteNotification(ctx context.Context, userID, notificationID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM notifications WHERE id=$1 AND user_id=$2`, notificationID, userID)
	metrics.ObserveNetworkRequest("postgres", "notifications_delete", "notifications", start, err)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

const digestColumns = `id, user_id, digest_type, scheduled_for, sent, sent_at, attempts, last_attempt_at, failed_at, COALESCE(failure_reason, ''), created_at`

func scanDigestEntry(row pgx.Row) (domain.DigestEntry, error) {
	var (
		e           domain.DigestEntry
		typ         string
		sentAt      sql.NullTime
		lastAttempt sql.NullTime
		failedAt    sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.UserID, &typ, &e.ScheduledFor, &e.Sent, &sentAt, &e.Attempts, &lastAttempt, &failedAt, &e.FailureReason, &e.CreatedAt); err != nil {
		return domain.DigestEntry{}, err
	}
	e.DigestType = domain.DigestType(typ)
	e.SentAt = nullTime(sentAt)
	e.LastAttemptAt = nullTime(lastAttempt)
	e.FailedAt = nullTime(failedAt)
	return e, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := v.Time
	return &ts
}

// FindPending возвращает ожидающую запись очереди для пары (пользователь, тип).
func (p *Postgres) FindPending(ctx context.Context, userID int64, digestType domain.DigestType) (domain.DigestEntry, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	entry, err := scanDigestEntry(p.pool.QueryRow(ctx, `
SELECT `+digestColumns+`
FROM digest_queue
WHERE user_id=$1 AND digest_type=$2 AND sent = FALSE AND failed_at IS NULL
LIMIT 1
`, userID, string(digestType)))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "digest_queue_find_pending", "digest_queue", start, nil)
		return domain.DigestEntry{}, false, nil
	}
	metrics.ObserveNetworkRequest("postgres", "digest_queue_find_pending", "digest_queue", start, err)
	if err != nil {
		return domain.DigestEntry{}, false, wrapErr(err)
	}
	return entry, true, nil
}

// InsertPending добавляет запись в очередь. false означает, что ожидающая запись уже есть.
func (p *Postgres) InsertPending(ctx context.Context, entry domain.DigestEntry) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO digest_queue (user_id, digest_type, scheduled_for, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, digest_type) WHERE sent = FALSE AND failed_at IS NULL DO NOTHING
`, entry.UserID, string(entry.DigestType), entry.ScheduledFor, entry.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "digest_queue_insert", "digest_queue", start, err)
	if err != nil {
		return false, wrapErr(err)
	}
	return res.RowsAffected() > 0, nil
}

// ListDue возвращает страницу ожидающих записей со сроком не позже now, идущих после курсора.
func (p *Postgres) ListDue(ctx context.Context, now time.Time, after domain.DueCursor, limit int) ([]domain.DigestEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+digestColumns+`
FROM digest_queue
WHERE sent = FALSE AND failed_at IS NULL AND scheduled_for <= $1
  AND (scheduled_for, id) > ($2::timestamptz, $3::bigint)
ORDER BY scheduled_for, id
LIMIT $4
`, now, after.ScheduledFor, after.ID, limit)
	metrics.ObserveNetworkRequest("postgres", "digest_queue_list_due", "digest_queue", start, err)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []domain.DigestEntry
	for rows.Next() {
		e, err := scanDigestEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrapErr(rows.Err())
}

// ClaimAttempt атомарно фиксирует попытку отправки и возвращает её номер.
// false означает, что запись уже отправлена, закрыта или занята другим прогоном.
func (p *Postgres) ClaimAttempt(ctx context.Context, entryID int64, now time.Time, lease time.Duration) (int, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var attempts int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE digest_queue
SET attempts = attempts + 1,
    last_attempt_at = $2
WHERE id = $1
  AND sent = FALSE
  AND failed_at IS NULL
  AND (last_attempt_at IS NULL OR last_attempt_at < $3)
RETURNING attempts
`, entryID, now, now.Add(-lease)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "digest_queue_claim", "digest_queue", start, nil)
		return 0, false, nil
	}
	metrics.ObserveNetworkRequest("postgres", "digest_queue_claim", "digest_queue", start, err)
	if err != nil {
		return 0, false, wrapErr(err)
	}
	return attempts, true, nil
}

// MarkSent отмечает запись отправленной. false означает, что она уже была отмечена.
func (p *Postgres) MarkSent(ctx context.Context, entryID int64, sentAt time.Time) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE digest_queue SET sent = TRUE, sent_at = $2 WHERE id = $1 AND sent = FALSE`, entryID, sentAt)
	metrics.ObserveNetworkRequest("postgres", "digest_queue_mark_sent", "digest_queue", start, err)
	if err != nil {
		return false, wrapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed закрывает ожидающую запись без отправки.
func (p *Postgres) MarkFailed(ctx context.Context, entryID int64, failedAt time.Time, reason string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE digest_queue
SET failed_at = $2, failure_reason = $3
WHERE id = $1 AND sent = FALSE AND failed_at IS NULL
`, entryID, failedAt, reason)
	metrics.ObserveNetworkRequest("postgres", "digest_queue_mark_failed", "digest_queue", start, err)
	return wrapErr(err)
}

// LastSentAt возвращает время последней отправки дайджеста данного типа пользователю.
func (p *Postgres) LastSentAt(ctx context.Context, userID int64, digestType domain.DigestType) (time.Time, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var last sql.NullTime
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT MAX(sent_at)
FROM digest_queue
WHERE user_id = $1 AND digest_type = $2 AND sent = TRUE
`, userID, string(digestType)).Scan(&last)
	metrics.ObserveNetworkRequest("postgres", "digest_queue_last_sent", "digest_queue", start, err)
	if err != nil {
		return time.Time{}, false, wrapErr(err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}

// DigestQueueStats возвращает число записей очереди по состоянию.
func (p *Postgres) DigestQueueStats(ctx context.Context) (map[string]int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var pending, sent, failed int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE sent = FALSE AND failed_at IS NULL),
    COUNT(*) FILTER (WHERE sent = TRUE),
    COUNT(*) FILTER (WHERE failed_at IS NOT NULL)
FROM digest_queue
`).Scan(&pending, &sent, &failed)
	metrics.ObserveNetworkRequest("postgres", "digest_queue_stats", "digest_queue", start, err)
	if err != nil {
		return nil, wrapErr(err)
	}
	return map[string]int{"pending": pending, "sent": sent, "failed": failed}, nil
}

// ListTrackingEventsSince возвращает историю отслеживания начиная с since в порядке появления.
func (p *Postgres) ListTrackingEventsSince(ctx context.Context, since time.Time) ([]domain.TrackingEvent, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, shipment_id, status, location, eta, description, created_at
FROM tracking_events
WHERE created_at >= $1
ORDER BY created_at, id
`, since)
	metrics.ObserveNetworkRequest("postgres", "tracking_events_since", "tracking_events", start, err)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []domain.TrackingEvent
	for rows.Next() {
		var (
			ev  domain.TrackingEvent
			eta sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.ShipmentID, &ev.Status, &ev.Location, &eta, &ev.Description, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ETA = nullTime(eta)
		out = append(out, ev)
	}
	return out, wrapErr(rows.Err())
}

const shipmentColumns = `id, reference, container_number, carrier, status, eta, discharge_date, delivered, updated_at`

func (p *Postgres) queryShipments(ctx context.Context, operation, query string, args ...any) ([]domain.Shipment, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "shipments", start, err)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []domain.Shipment
	for rows.Next() {
		var (
			s         domain.Shipment
			eta       sql.NullTime
			discharge sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.Reference, &s.ContainerNumber, &s.Carrier, &s.Status, &eta, &discharge, &s.Delivered, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.ETA = nullTime(eta)
		s.DischargeDate = nullTime(discharge)
		out = append(out, s)
	}
	return out, wrapErr(rows.Err())
}

// GetShipments возвращает отправления по идентификаторам.
func (p *Postgres) GetShipments(ctx context.Context, ids []int64) ([]domain.Shipment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return p.queryShipments(ctx, "shipments_get", `SELECT `+shipmentColumns+` FROM shipments WHERE id = ANY($1)`, ids)
}

// ListShipmentsUpdatedSince возвращает отправления, изменённые начиная с since.
func (p *Postgres) ListShipmentsUpdatedSince(ctx context.Context, since time.Time) ([]domain.Shipment, error) {
	return p.queryShipments(ctx, "shipments_updated_since", `SELECT `+shipmentColumns+` FROM shipments WHERE updated_at >= $1 ORDER BY updated_at, id`, since)
}

// ListActiveShipments возвращает недоставленные отправления.
func (p *Postgres) ListActiveShipments(ctx context.Context) ([]domain.Shipment, error) {
	return p.queryShipments(ctx, "shipments_active", `SELECT `+shipmentColumns+` FROM shipments WHERE delivered = FALSE ORDER BY id`)
}

// ListAttachmentTypes возвращает типы приложенных документов по отправлениям.
func (p *Postgres) ListAttachmentTypes(ctx context.Context, shipmentIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(shipmentIDs))
	if len(shipmentIDs) == 0 {
		return out, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT shipment_id, document_type
FROM shipment_attachments
WHERE shipment_id = ANY($1)
`, shipmentIDs)
	metrics.ObserveNetworkRequest("postgres", "shipment_attachments_types", "shipment_attachments", start, err)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			typ string
		)
		if err := rows.Scan(&id, &typ); err != nil {
			return nil, err
		}
		out[id] = append(out[id], typ)
	}
	return out, wrapErr(rows.Err())
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var userID sql.NullInt64
	if metric.UserID != nil {
		userID = sql.NullInt64{Int64: *metric.UserID, Valid: true}
	}
	var shipmentID sql.NullInt64
	if metric.ShipmentID != nil {
		shipmentID = sql.NullInt64{Int64: *metric.ShipmentID, Valid: true}
	}
	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, shipment_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, userID, shipmentID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return wrapErr(err)
}
