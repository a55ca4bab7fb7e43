package broadcast

import (
	"regexp"

	"github.com/ignite/phi-mailer/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Render replaces each {{key}} in tmpl with the string form of the matching
// personalization value in a single pass over the template. Substituted
// values are never scanned again, and placeholders without a field are left
// as they are.
func Render(tmpl string, p domain.Personalization) string {
	if tmpl == "" || len(p) == 0 {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		f, ok := p.Get(m[2 : len(m)-2])
		if !ok {
			return m
		}
		return f.String()
	})
}
