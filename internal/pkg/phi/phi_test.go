package phi

import (
	"errors"
	"fmt"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ab@x.com", "ab***@x.com"},
		{"a@x.com", "a***@x.com"},
		{"john.doe@example.com", "jo***@example.com"},
		{"not-an-address", "***"},
		{"@x.com", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskEmail(tt.in), "MaskEmail(%q)", tt.in)
	}
}

func TestMaskText(t *testing.T) {
	assert.Equal(t, "***", MaskText("hi"))
	assert.Equal(t, "He***", MaskText("Hello"))
}

func TestMaskObject_DefaultFields(t *testing.T) {
	in := map[string]interface{}{
		"to":      "patient@clinic.org",
		"subject": "Your results",
		"personalization": map[string]interface{}{
			"name":  "Samantha",
			"email": "sam@home.net",
			"age":   42,
		},
	}

	out := MaskObject(in)

	assert.Equal(t, "pa***@clinic.org", out["to"])
	assert.Equal(t, "Your results", out["subject"], "non-PHI fields are untouched")
	nested := out["personalization"].(map[string]interface{})
	assert.Equal(t, "Sa***", nested["name"])
	assert.Equal(t, "sa***@home.net", nested["email"])
	assert.Equal(t, "***", nested["age"])

	assert.Equal(t, "patient@clinic.org", in["to"], "input must not be mutated")
}

func TestMaskObject_ExplicitFields(t *testing.T) {
	out := MaskObject(map[string]interface{}{"diagnosis": "hypertension", "to": "a@b.com"}, "diagnosis")
	assert.Equal(t, "hy***", out["diagnosis"])
	assert.Equal(t, "a@b.com", out["to"])
}

func TestSanitizeErrorMessage(t *testing.T) {
	err := fmt.Errorf("send failed: %w", errors.New("mailbox jane.doe@example.com rejected"))
	assert.Equal(t, "send failed: mailbox [EMAIL_REDACTED] rejected", SanitizeErrorMessage(err))
	assert.Equal(t, "", SanitizeErrorMessage(nil))
}

func TestRedactEmails(t *testing.T) {
	assert.Equal(t, "to jo***@example.com and a***@x.com", RedactEmails("to john@example.com and a@x.com"))
	assert.NotContains(t, RedactEmails("to john@example.com"), "john@")
}

func TestMaskKeepsMultibyteCharactersWhole(t *testing.T) {
	for _, in := range []string{"éric@example.com", "日本太郎@example.jp", "ñ@x.es"} {
		got := MaskEmail(in)
		assert.True(t, utf8.ValidString(got), "MaskEmail(%q) = %q", in, got)
	}
	assert.Equal(t, "ér***@example.com", MaskEmail("éric@example.com"))
	assert.Equal(t, "日本***@example.jp", MaskEmail("日本太郎@example.jp"))

	assert.Equal(t, "Mü***", MaskText("Müller"))
	assert.Equal(t, "高血***", MaskText("高血圧症"))
	assert.Equal(t, "***", MaskText("é"))
	assert.True(t, utf8.ValidString(MaskText("éé€")))
}
