package notify

import (
	"fmt"
	"html"
	"strings"

	"shipment-notifier/internal/domain"
)

const subjectPrefix = "ShipTrack"

// DefaultEmail формирует тему и HTML-тело письма для события без готового шаблона.
func DefaultEmail(user domain.User, event domain.Event, baseURL string) (string, string) {
	title := strings.TrimSpace(event.Title)
	if title == "" {
		title = "Обновление по отправлению"
	}
	subject := fmt.Sprintf("%s: %s", subjectPrefix, title)

	var b strings.Builder
	b.WriteString("<html><body>")
	if name := strings.TrimSpace(user.Name); name != "" {
		b.WriteString("<p>Здравствуйте, " + html.EscapeString(name) + "!</p>")
	}
	b.WriteString("<h2>" + html.EscapeString(title) + "</h2>")
	if msg := strings.TrimSpace(event.Message); msg != "" {
		for _, line := range strings.Split(msg, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				b.WriteString("<p>" + html.EscapeString(line) + "</p>")
			}
		}
	}
	if link := shipmentLink(baseURL, event.ShipmentID); link != "" {
		b.WriteString(fmt.Sprintf("<p><a href=\"%s\">Открыть отправление</a></p>", html.EscapeString(link)))
	}
	b.WriteString("<hr><p style=\"color:#888\">Настроить уведомления можно в профиле.</p>")
	b.WriteString("</body></html>")
	return subject, b.String()
}

func shipmentLink(baseURL string, shipmentID *int64) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" || shipmentID == nil {
		return ""
	}
	return fmt.Sprintf("%s/shipments/%d", base, *shipmentID)
}
