package digest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"shipment-notifier/internal/domain"
)

// DataSource собирает данные для дайджеста начиная с since.
type DataSource interface {
	AggregateSince(ctx context.Context, since time.Time) (domain.DigestData, error)
}

// Aggregator строит содержимое дайджеста по истории отправлений.
// Данные пересчитываются при каждом вызове, кэша между прогонами нет.
type Aggregator struct {
	shipments domain.ShipmentRepo
	required  []string
	now       func() time.Time
}

var _ DataSource = (*Aggregator)(nil)

// NewAggregator создаёт агрегатор. Пустой список обязательных документов заменяется списком по умолчанию.
func NewAggregator(shipments domain.ShipmentRepo, required []string) *Aggregator {
	required = filterNonEmptyStrings(required)
	if len(required) == 0 {
		required = domain.DefaultRequiredDocuments
	}
	return &Aggregator{
		shipments: shipments,
		required:  required,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Aggregate возвращает данные за последние hoursBack часов.
func (a *Aggregator) Aggregate(ctx context.Context, hoursBack int) (domain.DigestData, error) {
	return a.AggregateSince(ctx, a.now().Add(-time.Duration(hoursBack)*time.Hour))
}

// AggregateSince возвращает изменения контейнеров и дат начиная с since и текущие пропуски документов.
func (a *Aggregator) AggregateSince(ctx context.Context, since time.Time) (domain.DigestData, error) {
	updates, err := a.containerUpdates(ctx, since)
	if err != nil {
		return domain.DigestData{}, err
	}
	dates, err := a.dateChanges(ctx, since)
	if err != nil {
		return domain.DigestData{}, err
	}
	missing, err := a.missingDocuments(ctx)
	if err != nil {
		return domain.DigestData{}, err
	}
	return domain.DigestData{
		ContainerUpdates: updates,
		DateChanges:      dates,
		MissingDocuments: missing,
	}, nil
}

func (a *Aggregator) containerUpdates(ctx context.Context, since time.Time) ([]domain.ShipmentSummary, error) {
	events, err := a.shipments.ListTrackingEventsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("история отслеживания: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	grouped := make(map[int64][]domain.TrackingEvent)
	order := make([]int64, 0)
	for _, ev := range events {
		if _, ok := grouped[ev.ShipmentID]; !ok {
			order = append(order, ev.ShipmentID)
		}
		grouped[ev.ShipmentID] = append(grouped[ev.ShipmentID], ev)
	}

	shipments, err := a.shipments.GetShipments(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("отправления: %w", err)
	}
	byID := make(map[int64]domain.Shipment, len(shipments))
	for _, s := range shipments {
		byID[s.ID] = s
	}

	out := make([]domain.ShipmentSummary, 0, len(order))
	for _, id := range order {
		shipment, ok := byID[id]
		if !ok {
			continue
		}
		summary := summarize(shipment)
		for _, ev := range grouped[id] {
			if line := DescribeEvent(ev); line != "" {
				summary.Changes = append(summary.Changes, line)
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

func (a *Aggregator) dateChanges(ctx context.Context, since time.Time) ([]domain.ShipmentSummary, error) {
	shipments, err := a.shipments.ListShipmentsUpdatedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("обновлённые отправления: %w", err)
	}
	out := make([]domain.ShipmentSummary, 0, len(shipments))
	for _, s := range shipments {
		out = append(out, summarize(s))
	}
	return out, nil
}

func (a *Aggregator) missingDocuments(ctx context.Context) ([]domain.MissingDocuments, error) {
	active, err := a.shipments.ListActiveShipments(ctx)
	if err != nil {
		return nil, fmt.Errorf("активные отправления: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	attached, err := a.shipments.ListAttachmentTypes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("документы отправлений: %w", err)
	}

	var out []domain.MissingDocuments
	for _, s := range active {
		if s.Delivered {
			continue
		}
		missing := MissingDocumentTypes(a.required, attached[s.ID])
		if len(missing) == 0 {
			continue
		}
		out = append(out, domain.MissingDocuments{ShipmentID: s.ID, Reference: s.Reference, Missing: missing})
	}
	return out, nil
}

// MissingDocumentTypes возвращает обязательные типы документов, которых нет среди attached.
// Порядок совпадает с порядком required, сравнение без учёта регистра.
func MissingDocumentTypes(required, attached []string) []string {
	have := make(map[string]struct{}, len(attached))
	for _, t := range attached {
		have[normalizeDocType(t)] = struct{}{}
	}
	var missing []string
	for _, t := range required {
		if _, ok := have[normalizeDocType(t)]; ok {
			continue
		}
		missing = append(missing, t)
	}
	return missing
}

// DescribeEvent превращает запись истории в строку для письма.
func DescribeEvent(ev domain.TrackingEvent) string {
	if d := strings.TrimSpace(ev.Description); d != "" {
		return d
	}
	var parts []string
	if s := strings.TrimSpace(ev.Status); s != "" {
		parts = append(parts, "статус: "+s)
	}
	if l := strings.TrimSpace(ev.Location); l != "" {
		parts = append(parts, "местоположение: "+l)
	}
	if ev.ETA != nil {
		parts = append(parts, "ETA: "+ev.ETA.Format("2006-01-02"))
	}
	if len(parts) == 0 {
		return ""
	}
	line := strings.Join(parts, ", ")
	first, size := utf8.DecodeRuneInString(line)
	return string(unicode.ToUpper(first)) + line[size:]
}

func summarize(s domain.Shipment) domain.ShipmentSummary {
	return domain.ShipmentSummary{
		ShipmentID:      s.ID,
		Reference:       s.Reference,
		ContainerNumber: s.ContainerNumber,
		Status:          s.Status,
		ETA:             s.ETA,
		DischargeDate:   s.DischargeDate,
		UpdatedAt:       s.UpdatedAt,
	}
}

func normalizeDocType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func filterNonEmptyStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
