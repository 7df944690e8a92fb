package preferences

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shipment-notifier/internal/domain"
)

var (
	// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrInvalidFrequency возвращается для неизвестной частоты писем.
	ErrInvalidFrequency = errors.New("invalid email frequency")
	// ErrInvalidQuietHours возвращается, если граница тихих часов не в формате HH:MM.
	ErrInvalidQuietHours = errors.New("invalid quiet hours")
	// ErrUnknownCategory возвращается для категории без переключателя.
	ErrUnknownCategory = errors.New("unknown category")
)

// Update — частичное изменение настроек. nil означает «не менять».
type Update struct {
	EmailNotifications *bool
	EmailFrequency     *string
	Categories         map[domain.Category]bool
	QuietHoursStart    *string
	QuietHoursEnd      *string
	Timezone           *string
}

// Service отвечает за настройки уведомлений пользователя.
type Service struct {
	users domain.UserRepo
	now   func() time.Time
}

// NewService создаёт сервис.
func NewService(users domain.UserRepo) *Service {
	return &Service{users: users, now: func() time.Time { return time.Now().UTC() }}
}

// Get возвращает профиль уведомлений пользователя.
func (s *Service) Get(ctx context.Context, userID int64) (domain.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("получение пользователя: %w", err)
	}
	return user, nil
}

// Apply проверяет и сохраняет изменения. При ошибке валидации ничего не сохраняется.
func (s *Service) Apply(ctx context.Context, userID int64, upd Update) (domain.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("получение пользователя: %w", err)
	}

	if upd.EmailNotifications != nil {
		user.EmailNotifications = *upd.EmailNotifications
	}
	if upd.EmailFrequency != nil {
		freq, ok := domain.ParseFrequency(*upd.EmailFrequency)
		if !ok {
			return domain.User{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, *upd.EmailFrequency)
		}
		user.EmailFrequency = freq
	}
	for category, enabled := range upd.Categories {
		if err := setCategory(&user, category, enabled); err != nil {
			return domain.User{}, err
		}
	}
	if upd.QuietHoursStart != nil {
		value, err := normalizeClock(*upd.QuietHoursStart)
		if err != nil {
			return domain.User{}, err
		}
		user.QuietHoursStart = value
	}
	if upd.QuietHoursEnd != nil {
		value, err := normalizeClock(*upd.QuietHoursEnd)
		if err != nil {
			return domain.User{}, err
		}
		user.QuietHoursEnd = value
	}
	if upd.Timezone != nil {
		tz, err := normalizeTimezone(*upd.Timezone)
		if err != nil {
			return domain.User{}, err
		}
		user.Timezone = tz
	}

	user.UpdatedAt = s.now()
	if err := s.users.UpdatePreferences(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("обновление настроек: %w", err)
	}
	return user, nil
}

func setCategory(user *domain.User, category domain.Category, enabled bool) error {
	switch category {
	case domain.CategoryContainerUpdates:
		user.NotifyContainerUpdates = enabled
	case domain.CategoryDateChanges:
		user.NotifyDischargeDateChanges = enabled
	case domain.CategoryMissingDocuments:
		user.NotifyMissingDocuments = enabled
	case domain.CategoryStatusChange:
		user.NotifyOnStatusChange = enabled
	case domain.CategoryDelay:
		user.NotifyOnDelay = enabled
	case domain.CategoryArrival:
		user.NotifyOnArrival = enabled
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return nil
}

// normalizeClock приводит "9:05" к "09:05". Пустая строка снимает границу.
func normalizeClock(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	minutes, ok := domain.ParseClock(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidQuietHours, raw)
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60), nil
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return domain.DefaultTimezone, nil
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTimezone, raw)
}
