package domain

import (
	"context"
	"time"
)

// UserRepo управляет профилями уведомлений.
type UserRepo interface {
	GetUser(ctx context.Context, userID int64) (User, error)
	// ListDigestRecipients возвращает пользователей с включёнными письмами и частотой, отличной от immediate.
	ListDigestRecipients(ctx context.Context) ([]User, error)
	UpdatePreferences(ctx context.Context, user User) error
}

// NotificationRepo хранит уведомления центра уведомлений.
type NotificationRepo interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]Notification, error)
	CountUnread(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, userID, notificationID int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	DeleteNotification(ctx context.Context, userID, notificationID int64) error
}

// DigestQueueRepo управляет очередью дайджестов.
type DigestQueueRepo interface {
	// FindPending возвращает неотправленную запись для пары (пользователь, тип).
	FindPending(ctx context.Context, userID int64, digestType DigestType) (DigestEntry, bool, error)
	// InsertPending создаёт запись и возвращает false, если ожидающая запись уже есть.
	InsertPending(ctx context.Context, entry DigestEntry) (bool, error)
	// ListDue возвращает страницу созревших записей строго после курсора в порядке (scheduled_for, id).
	ListDue(ctx context.Context, now time.Time, after DueCursor, limit int) ([]DigestEntry, error)
	// LastSentAt возвращает время последней отправки дайджеста этого типа пользователю.
	LastSentAt(ctx context.Context, userID int64, digestType DigestType) (time.Time, bool, error)
	// ClaimAttempt атомарно увеличивает счётчик попыток. Возвращает false,
	// если запись уже отправлена или её обрабатывает другой прогон.
	ClaimAttempt(ctx context.Context, entryID int64, now time.Time, lease time.Duration) (int, bool, error)
	// MarkSent помечает запись отправленной, только если она ещё не отправлена.
	MarkSent(ctx context.Context, entryID int64, sentAt time.Time) (bool, error)
	// MarkFailed закрывает запись без отправки с указанием причины.
	MarkFailed(ctx context.Context, entryID int64, failedAt time.Time, reason string) error
}

// ShipmentRepo даёт доступ на чтение к данным отправлений.
type ShipmentRepo interface {
	ListTrackingEventsSince(ctx context.Context, since time.Time) ([]TrackingEvent, error)
	GetShipments(ctx context.Context, ids []int64) ([]Shipment, error)
	ListShipmentsUpdatedSince(ctx context.Context, since time.Time) ([]Shipment, error)
	ListActiveShipments(ctx context.Context) ([]Shipment, error)
	// ListAttachmentTypes возвращает типы документов по каждому отправлению.
	ListAttachmentTypes(ctx context.Context, shipmentIDs []int64) (map[int64][]string, error)
}

// EmailSender отправляет письмо. Результат — только признак успеха.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) bool
}

// Locker используется для взаимного исключения прогонов.
type Locker interface {
	// TryLock возвращает функцию освобождения, если блокировку удалось взять.
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}
