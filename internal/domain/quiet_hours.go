package domain

import (
	"strconv"
	"strings"
	"time"
	// Часовые пояса пользователей не должны зависеть от tzdata в образе.
	_ "time/tzdata"
)

// LoadLocation возвращает часовой пояс пользователя, при ошибке — UTC.
func LoadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock переводит "HH:MM" в минуты от полуночи.
func ParseClock(raw string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, false
	}
	return h*60 + m, true
}

// InQuietHours сообщает, попадает ли now в тихие часы пользователя.
// Окно может переходить через полночь, например 22:00–08:00.
func InQuietHours(u User, now time.Time) bool {
	if u.QuietHoursStart == "" || u.QuietHoursEnd == "" {
		return false
	}
	start, ok := ParseClock(u.QuietHoursStart)
	if !ok {
		return false
	}
	end, ok := ParseClock(u.QuietHoursEnd)
	if !ok {
		return false
	}

	local := now.In(LoadLocation(u.Timezone))
	current := local.Hour()*60 + local.Minute()

	if start <= end {
		return current >= start && current <= end
	}
	return current >= start || current <= end
}
