package digest

import (
	"fmt"
	"html"
	"strings"
	"time"

	"shipment-notifier/internal/domain"
)

const allClearText = "За этот период изменений нет: все отправления в порядке."

var digestTitles = map[domain.DigestType]string{
	domain.DigestHourly: "Ежечасная сводка",
	domain.DigestDaily:  "Ежедневная сводка",
	domain.DigestWeekly: "Еженедельная сводка",
}

// sectionRenderer строит один раздел письма. Пустой результат означает, что раздел пропускается.
type sectionRenderer func(data domain.DigestData, baseURL string) (title string, items []string)

var sectionRenderers = map[domain.Category]sectionRenderer{
	domain.CategoryContainerUpdates: renderContainerUpdates,
	domain.CategoryDateChanges:      renderDateChanges,
	domain.CategoryMissingDocuments: renderMissingDocuments,
}

// FormatDigest формирует тему и HTML-тело дайджеста.
// Разделы включаются по настройкам категорий пользователя; если включённых разделов с данными нет,
// письмо содержит уведомление «всё спокойно».
func FormatDigest(user domain.User, digestType domain.DigestType, data domain.DigestData, baseURL string) (string, string) {
	title, ok := digestTitles[digestType]
	if !ok {
		title = "Сводка по отправлениям"
	}

	prefs := user.CategoryPreferences()
	var (
		sections []string
		total    int
	)
	for _, category := range domain.DigestSections {
		if !prefs[category] {
			continue
		}
		render, ok := sectionRenderers[category]
		if !ok {
			continue
		}
		sectionTitle, items := render(data, baseURL)
		items = filterNonEmptyStrings(items)
		if len(items) == 0 {
			continue
		}
		total += len(items)
		var b strings.Builder
		b.WriteString("<h3>" + escapeHTML(sectionTitle) + "</h3><ul>")
		for _, item := range items {
			b.WriteString("<li>" + item + "</li>")
		}
		b.WriteString("</ul>")
		sections = append(sections, b.String())
	}

	subject := fmt.Sprintf("ShipTrack: %s", strings.ToLower(title))
	if total > 0 {
		subject = fmt.Sprintf("%s (%d)", subject, total)
	}

	var body strings.Builder
	body.WriteString("<html><body>")
	body.WriteString("<h2>" + escapeHTML(title) + "</h2>")
	if name := strings.TrimSpace(user.Name); name != "" {
		body.WriteString("<p>Здравствуйте, " + escapeHTML(name) + "!</p>")
	}
	if len(sections) == 0 {
		body.WriteString("<p>" + escapeHTML(allClearText) + "</p>")
	} else {
		body.WriteString(strings.Join(sections, "\n"))
	}
	body.WriteString("<hr><p style=\"color:#888\">Частоту писем и тихие часы можно изменить в профиле.</p>")
	body.WriteString("</body></html>")
	return subject, body.String()
}

func renderContainerUpdates(data domain.DigestData, baseURL string) (string, []string) {
	items := make([]string, 0, len(data.ContainerUpdates))
	for _, s := range data.ContainerUpdates {
		head := shipmentHeadline(s.ShipmentID, s.Reference, s.ContainerNumber, baseURL)
		changes := filterNonEmptyStrings(s.Changes)
		if len(changes) == 0 {
			items = append(items, head)
			continue
		}
		escaped := make([]string, 0, len(changes))
		for _, c := range changes {
			escaped = append(escaped, escapeHTML(c))
		}
		items = append(items, head+" — "+strings.Join(escaped, "; "))
	}
	return "Обновления контейнеров", items
}

func renderDateChanges(data domain.DigestData, baseURL string) (string, []string) {
	items := make([]string, 0, len(data.DateChanges))
	for _, s := range data.DateChanges {
		var parts []string
		if s.ETA != nil {
			parts = append(parts, "ETA "+formatDate(*s.ETA))
		}
		if s.DischargeDate != nil {
			parts = append(parts, "выгрузка "+formatDate(*s.DischargeDate))
		}
		line := shipmentHeadline(s.ShipmentID, s.Reference, s.ContainerNumber, baseURL)
		if len(parts) > 0 {
			line += " — " + escapeHTML(strings.Join(parts, ", "))
		}
		items = append(items, line)
	}
	return "Изменения дат", items
}

func renderMissingDocuments(data domain.DigestData, baseURL string) (string, []string) {
	items := make([]string, 0, len(data.MissingDocuments))
	for _, m := range data.MissingDocuments {
		if len(m.Missing) == 0 {
			continue
		}
		line := shipmentHeadline(m.ShipmentID, m.Reference, "", baseURL)
		items = append(items, line+" — не хватает: "+escapeHTML(strings.Join(m.Missing, ", ")))
	}
	return "Недостающие документы", items
}

func shipmentHeadline(id int64, reference, container, baseURL string) string {
	label := strings.TrimSpace(reference)
	if label == "" {
		label = fmt.Sprintf("Отправление #%d", id)
	}
	if c := strings.TrimSpace(container); c != "" {
		label += " (" + c + ")"
	}
	label = "<b>" + escapeHTML(label) + "</b>"
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return label
	}
	url := fmt.Sprintf("%s/shipments/%d", base, id)
	return fmt.Sprintf("<a href=\"%s\">%s</a>", html.EscapeString(url), label)
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}
