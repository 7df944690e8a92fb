package domain

import (
	"strings"
	"time"
)

// DigestType описывает периодичность дайджеста.
type DigestType string

const (
	DigestHourly DigestType = "hourly"
	DigestDaily  DigestType = "daily"
	DigestWeekly DigestType = "weekly"
)

// DigestEntry — запись очереди дайджестов.
type DigestEntry struct {
	ID            int64
	UserID        int64
	DigestType    DigestType
	ScheduledFor  time.Time
	Sent          bool
	SentAt        *time.Time
	Attempts      int
	LastAttemptAt *time.Time
	// FailedAt заполняется, когда исчерпан лимит попыток; такая запись больше не отправляется.
	FailedAt      *time.Time
	FailureReason string
	CreatedAt     time.Time
}

// Причины закрытия записи без отправки.
const (
	FailureReasonMaxAttempts = "max_attempts"
	FailureReasonDisabled    = "disabled"
)

// DueCursor — позиция постраничного обхода очереди. Нулевое значение означает начало.
type DueCursor struct {
	ScheduledFor time.Time
	ID           int64
}

// Before сообщает, что курсор стоит раньше записи в порядке обхода.
func (c DueCursor) Before(e DigestEntry) bool {
	if !e.ScheduledFor.Equal(c.ScheduledFor) {
		return e.ScheduledFor.After(c.ScheduledFor)
	}
	return e.ID > c.ID
}

// CursorAt возвращает курсор, указывающий на запись.
func CursorAt(e DigestEntry) DueCursor {
	return DueCursor{ScheduledFor: e.ScheduledFor, ID: e.ID}
}

// Pending сообщает, что запись ещё ждёт отправки.
func (e DigestEntry) Pending() bool {
	return !e.Sent && e.FailedAt == nil
}

// ParseFrequency разбирает частоту писем. Пустое значение означает immediate.
func ParseFrequency(raw string) (EmailFrequency, bool) {
	switch EmailFrequency(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FrequencyImmediate:
		return FrequencyImmediate, true
	case FrequencyHourly:
		return FrequencyHourly, true
	case FrequencyDaily:
		return FrequencyDaily, true
	case FrequencyWeekly:
		return FrequencyWeekly, true
	}
	return "", false
}

// DigestTypeFor возвращает тип дайджеста для частоты. Для immediate дайджеста нет.
func DigestTypeFor(f EmailFrequency) (DigestType, bool) {
	switch f {
	case FrequencyHourly:
		return DigestHourly, true
	case FrequencyDaily:
		return DigestDaily, true
	case FrequencyWeekly:
		return DigestWeekly, true
	}
	return "", false
}

// Lookback возвращает глубину окна дайджеста.
func (t DigestType) Lookback() time.Duration {
	return time.Duration(t.LookbackHours()) * time.Hour
}

// LookbackHours возвращает глубину выборки событий для дайджеста.
func (t DigestType) LookbackHours() int {
	switch t {
	case DigestHourly:
		return 1
	case DigestWeekly:
		return 168
	default:
		return 24
	}
}

// NextDue вычисляет время следующего дайджеста.
// Дневной и недельный дайджесты приходят в sendHour по часовому поясу loc.
func (t DigestType) NextDue(now time.Time, loc *time.Location, sendHour int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	switch t {
	case DigestHourly:
		return now.Add(time.Hour)
	case DigestWeekly:
		day := local.AddDate(0, 0, 7)
		return time.Date(day.Year(), day.Month(), day.Day(), sendHour, 0, 0, 0, loc)
	default:
		day := local.AddDate(0, 0, 1)
		return time.Date(day.Year(), day.Month(), day.Day(), sendHour, 0, 0, 0, loc)
	}
}

// RunStats — статистика одного прогона планировщика и рассыльщика.
type RunStats struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scheduled  int       `json:"scheduled"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Abandoned  int       `json:"abandoned"`
	Closed     int       `json:"closed"`
	Errors     int       `json:"errors"`
	Manual     bool      `json:"manual"`
}
