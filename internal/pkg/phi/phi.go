// Package phi masks protected health information before it reaches a log
// line, an error message, or an audit record.
package phi

import (
	"regexp"
	"strings"
)

// RedactedEmail replaces any address found in free text.
const RedactedEmail = "[EMAIL_REDACTED]"

const mask = "***"

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// DefaultFields are the keys MaskObject treats as PHI when none are given.
var DefaultFields = []string{"email", "to", "from", "personalization"}

// MaskEmail keeps the domain and the first one or two characters of the
// local part: "john.doe@example.com" -> "jo***@example.com",
// "a@x.com" -> "a***@x.com". Values that are not addresses become "***".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return mask
	}
	local, domain := []rune(email[:at]), email[at+1:]
	keep := 2
	if len(local) < keep {
		keep = len(local)
	}
	return string(local[:keep]) + mask + "@" + domain
}

// MaskText truncates free text to its first two characters.
func MaskText(s string) string {
	r := []rune(s)
	if len(r) <= 2 {
		return mask
	}
	return string(r[:2]) + mask
}

// MaskObject returns a shallow copy of obj with the named fields masked.
// Address-like fields use the email rule, nested maps are masked
// recursively and any other string is truncated.
func MaskObject(obj map[string]interface{}, fields ...string) map[string]interface{} {
	if obj == nil {
		return nil
	}
	if len(fields) == 0 {
		fields = DefaultFields
	}
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for _, field := range fields {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		out[field] = maskValue(field, v)
	}
	return out
}

func maskValue(field string, v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if isAddressField(field) {
			return MaskEmail(val)
		}
		return MaskText(val)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(val))
		for k, inner := range val {
			nested[k] = maskValue(k, inner)
		}
		return nested
	default:
		return mask
	}
}

func isAddressField(field string) bool {
	switch strings.ToLower(field) {
	case "email", "to", "from", "reply_to", "replyto":
		return true
	}
	return false
}

// SanitizeString replaces every email address in s with RedactedEmail.
func SanitizeString(s string) string {
	return emailPattern.ReplaceAllString(s, RedactedEmail)
}

// SanitizeErrorMessage returns the error text with addresses redacted.
// It must be applied to any error derived from submitted or decrypted
// content before the text is stored, logged, or returned.
func SanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// RedactEmails masks every embedded address with MaskEmail instead of the
// fixed marker, keeping log lines readable.
func RedactEmails(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, MaskEmail)
}
