package domain

import "time"

// EmailFrequency описывает, как часто пользователь получает письма.
type EmailFrequency string

const (
	FrequencyImmediate EmailFrequency = "immediate"
	FrequencyHourly    EmailFrequency = "hourly"
	FrequencyDaily     EmailFrequency = "daily"
	FrequencyWeekly    EmailFrequency = "weekly"
)

// DefaultTimezone используется, если у пользователя не задан часовой пояс.
const DefaultTimezone = "UTC"

// User описывает профиль уведомлений пользователя.
type User struct {
	ID                         int64
	Email                      string
	Name                       string
	EmailNotifications         bool
	EmailFrequency             EmailFrequency
	NotifyContainerUpdates     bool
	NotifyDischargeDateChanges bool
	NotifyMissingDocuments     bool
	NotifyOnStatusChange       bool
	NotifyOnDelay              bool
	NotifyOnArrival            bool
	// QuietHoursStart и QuietHoursEnd хранятся в формате "HH:MM" местного времени.
	QuietHoursStart string
	QuietHoursEnd   string
	Timezone        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Notification представляет запись во внутреннем центре уведомлений.
type Notification struct {
	ID         int64
	UserID     int64
	ShipmentID *int64
	Type       Category
	Title      string
	Message    string
	Read       bool
	CreatedAt  time.Time
}

// Shipment содержит текущее состояние отправления.
type Shipment struct {
	ID              int64
	Reference       string
	ContainerNumber string
	Carrier         string
	Status          string
	ETA             *time.Time
	DischargeDate   *time.Time
	Delivered       bool
	UpdatedAt       time.Time
}

// Attachment описывает документ, прикреплённый к отправлению.
type Attachment struct {
	ID           int64
	ShipmentID   int64
	DocumentType string
	FileName     string
	CreatedAt    time.Time
}

// TrackingEvent — запись истории изменений отправления.
type TrackingEvent struct {
	ID          int64
	ShipmentID  int64
	Status      string
	Location    string
	ETA         *time.Time
	Description string
	CreatedAt   time.Time
}

// Event — событие, которое нужно доставить пользователю.
type Event struct {
	Category   Category
	Title      string
	Message    string
	ShipmentID *int64
	// EmailSubject и EmailBody заполняются, если письмо уже подготовлено источником события.
	EmailSubject string
	EmailBody    string
}

// ShipmentSummary — строка дайджеста об изменениях по отправлению.
type ShipmentSummary struct {
	ShipmentID      int64
	Reference       string
	ContainerNumber string
	Status          string
	ETA             *time.Time
	DischargeDate   *time.Time
	Changes         []string
	UpdatedAt       time.Time
}

// MissingDocuments — отправление, у которого не хватает обязательных документов.
type MissingDocuments struct {
	ShipmentID int64
	Reference  string
	Missing    []string
}

// DigestData собирает содержимое дайджеста по категориям.
type DigestData struct {
	ContainerUpdates []ShipmentSummary
	DateChanges      []ShipmentSummary
	MissingDocuments []MissingDocuments
}

// Empty сообщает, что в дайджесте нет ни одной позиции.
func (d DigestData) Empty() bool {
	return len(d.ContainerUpdates) == 0 && len(d.DateChanges) == 0 && len(d.MissingDocuments) == 0
}

// DefaultRequiredDocuments — список документов, которые должны быть у каждого активного отправления.
var DefaultRequiredDocuments = []string{"BOL", "Purchase Invoice", "Packing Slip"}
