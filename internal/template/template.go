package template

import (
	"regexp"
	"strings"
)

// Template is the localized content of one step before personalization
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"` // Markdown, raw HTML allowed
}

// Data carries what personalization needs about one recipient and delivery
type Data struct {
	Email          string
	FirstName      string
	Locale         string
	CustomFields   map[string]string
	UnsubscribeURL string
	PixelURL       string // open tracking pixel, empty disables it
	ClickURL       string // click redirect base, the target is appended as ?u=
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

var (
	varPattern  = regexp.MustCompile(`\{\{([^}]+)\}\}`)
	namePattern = regexp.MustCompile(`\{NAME\}`)
)

// Vars maps merge tags to values. Custom fields come first so built-in
// tags cannot be shadowed.
func Vars(d Data) map[string]string {
	vars := make(map[string]string, len(d.CustomFields)+4)
	for k, v := range d.CustomFields {
		vars[strings.TrimSpace(k)] = v
	}
	vars["first_name"] = d.FirstName
	vars["email"] = d.Email
	vars["unsubscribe_url"] = d.UnsubscribeURL
	vars["locale"] = d.Locale
	return vars
}

// Merge replaces {{name}} tags. Unknown tags are kept verbatim.
func Merge(s string, vars map[string]string) string {
	if s == "" {
		return s
	}

	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	})
}

