package bundle

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oscarsailing/scontrini/internal/folders"
	"github.com/oscarsailing/scontrini/internal/store"
)

// composeDraft builds the no-recipient email: subject names the month and
// every user label, the body lists each bundle's link and count. The body
// carries plain https links only; the mailto address part stays empty so
// the user picks the recipient in their mail client.
func composeDraft(bundles []Bundle, users []store.User, now time.Time) EmailDraft {
	labels := make([]string, 0, len(users))
	for _, u := range users {
		labels = append(labels, u.Label)
	}

	subject := fmt.Sprintf("Scontrini %s %d – %s", folders.MonthName(now), now.Year(), strings.Join(labels, " e "))

	var b strings.Builder
	fmt.Fprintf(&b, "Ciao,\n\nti invio i link alle cartelle su Google Drive con gli scontrini di %s %d:\n\n", folders.MonthName(now), now.Year())
	for _, bundle := range bundles {
		noun := "scontrini"
		if bundle.Count == 1 {
			noun = "scontrino"
		}
		fmt.Fprintf(&b, "- %s: %d %s: %s\n", bundle.User.Label, bundle.Count, noun, bundle.Link)
	}
	b.WriteString("\nA presto!")

	body := b.String()
	return EmailDraft{
		Recipient: "",
		Subject:   subject,
		Body:      body,
		MailtoURL: "mailto:?subject=" + mailtoEscape(subject) + "&body=" + mailtoEscape(body),
	}
}

// mailtoEscape percent-encodes for a mailto URL; QueryEscape's "+" for
// spaces is not understood by mail clients.
func mailtoEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
