package logger

import (
	"strings"

	"github.com/ignite/phi-mailer/internal/pkg/phi"
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" -> "jo***@example.com"
func RedactEmail(email string) string {
	return phi.MaskEmail(email)
}

// RedactText masks every address embedded in free text.
func RedactText(s string) string {
	return phi.RedactEmails(s)
}

func redactValue(key, val string) string {
	k := strings.ToLower(key)
	switch {
	case k == "to" || k == "from" || strings.Contains(k, "email") || strings.Contains(k, "recipient_address"):
		return RedactEmail(val)
	case strings.Contains(k, "personalization") || k == "subject" || k == "html" || k == "text":
		return phi.MaskText(val)
	}
	return RedactText(val)
}
