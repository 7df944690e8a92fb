package domain

import "errors"

var (
	// ErrUserNotFound возвращается, если профиль пользователя не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailSendFailure возвращается, если транспорт не смог отправить письмо.
	ErrEmailSendFailure = errors.New("email send failure")
	// ErrDatabaseUnavailable возвращается, если хранилище недоступно.
	ErrDatabaseUnavailable = errors.New("database unavailable")
	// ErrNotificationNotFound возвращается, если уведомление не найдено у пользователя.
	ErrNotificationNotFound = errors.New("notification not found")
)
