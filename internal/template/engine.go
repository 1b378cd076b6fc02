package template

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/foxzi/drip/internal/email"
	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// DefaultLayout wraps rendered content. It receives content, subject,
// locale, unsubscribe_url, unsubscribe_label and pixel_url.
const DefaultLayout = `<!DOCTYPE html>
<html lang="{{ locale }}">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{ subject | escape }}</title>
</head>
<body style="margin:0;padding:0;background:#f6f6f6;">
<div style="max-width:600px;margin:0 auto;padding:24px;background:#ffffff;font-family:Arial,Helvetica,sans-serif;font-size:16px;line-height:1.5;color:#222222;">
{{ content }}
</div>
{% if unsubscribe_url %}<div style="max-width:600px;margin:0 auto;padding:12px 24px;font-family:Arial,Helvetica,sans-serif;font-size:12px;color:#888888;text-align:center;">
<a href="{{ unsubscribe_url }}" style="color:#888888;">{{ unsubscribe_label }}</a>
</div>{% endif %}
{% if pixel_url %}<img src="{{ pixel_url }}" width="1" height="1" alt="" style="display:block;border:0;">{% endif %}
</body>
</html>
`

var unsubscribeLabels = map[string]string{
	"en": "Unsubscribe from these emails",
	"am": "ከእነዚህ ኢሜይሎች ይውጡ",
}

var (
	hrefPattern      = regexp.MustCompile(`href="(https?://[^"]+)"`)
	linkPattern      = regexp.MustCompile(`(?is)<a\s[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	blockEndPattern  = regexp.MustCompile(`(?i)(?:</(?:p|h[1-6]|div|blockquote|pre|ul|ol|table)>|<hr\s*/?>)\n?`)
	lineEndPattern   = regexp.MustCompile(`(?i)(?:</(?:li|tr)>|<br\s*/?>)\n?`)
	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	blankLinePattern = regexp.MustCompile(`\n{3,}`)
)

// Engine renders step content into a sendable message
type Engine struct {
	markdown goldmark.Markdown
	layout   *liquid.Template
}

// NewEngine creates a new template engine. An empty layout selects DefaultLayout.
func NewEngine(layout string) (*Engine, error) {
	if layout == "" {
		layout = DefaultLayout
	}

	tpl, err := liquid.NewEngine().ParseString(layout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}

	return &Engine{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe(), gmhtml.WithHardWraps()),
		),
		layout: tpl,
	}, nil
}

// NewEngineFromFile loads the layout from a file; an empty path uses DefaultLayout
func NewEngineFromFile(path string) (*Engine, error) {
	if path == "" {
		return NewEngine("")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	return NewEngine(string(data))
}

// Validate checks that a step's content can be rendered
func (e *Engine) Validate(tmpl *Template) error {
	if strings.TrimSpace(tmpl.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(tmpl.Body) == "" {
		return fmt.Errorf("body is required")
	}
	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(tmpl.Body), &buf); err != nil {
		return fmt.Errorf("invalid body markup: %w", err)
	}
	return nil
}

// Render personalizes a step for one recipient. Merge tags are resolved in
// subject and body, {NAME} in the body only. Body values are inserted after
// the Markdown conversion, then the result is wrapped in the layout.
func (e *Engine) Render(tmpl *Template, data Data) (*RenderResult, error) {
	vars := Vars(data)
	result := &RenderResult{Subject: Merge(tmpl.Subject, vars)}

	body, values := protectValues(tmpl.Body, vars, email.DisplayName(data.FirstName, data.Email))

	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(body), &buf); err != nil {
		return nil, fmt.Errorf("failed to render body: %w", err)
	}
	content := values.Replace(buf.String())

	bindings := liquid.Bindings{
		"content":           trackLinks(content, data),
		"subject":           result.Subject,
		"locale":            data.Locale,
		"unsubscribe_label": unsubscribeLabel(data.Locale),
	}
	if data.UnsubscribeURL != "" {
		bindings["unsubscribe_url"] = data.UnsubscribeURL
	}
	if data.PixelURL != "" {
		bindings["pixel_url"] = data.PixelURL
	}

	out, err := e.layout.RenderString(bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to render layout: %w", err)
	}
	result.HTML = out

	result.Text = HTMLToText(content)
	if data.UnsubscribeURL != "" {
		result.Text += "\n\n" + unsubscribeLabel(data.Locale) + ": " + data.UnsubscribeURL
	}

	return result, nil
}

// protectValues swaps merge tags and {NAME} for inert tokens so recipient
// values never pass through Markdown. The replacer puts the HTML-escaped
// values back into the converted body.
func protectValues(body string, vars map[string]string, name string) (string, *strings.Replacer) {
	var pairs []string
	token := func(value string) string {
		t := fmt.Sprintf("dripvalue%dx", len(pairs)/2)
		pairs = append(pairs, t, html.EscapeString(value))
		return t
	}

	body = varPattern.ReplaceAllStringFunc(body, func(match string) string {
		if value, ok := vars[strings.TrimSpace(match[2:len(match)-2])]; ok {
			return token(value)
		}
		return match
	})
	body = namePattern.ReplaceAllStringFunc(body, func(string) string {
		return token(name)
	})
	return body, strings.NewReplacer(pairs...)
}

func unsubscribeLabel(locale string) string {
	if label, ok := unsubscribeLabels[locale]; ok {
		return label
	}
	return unsubscribeLabels["en"]
}

// trackLinks routes absolute links through the click redirect. The
// unsubscribe link is left alone.
func trackLinks(content string, data Data) string {
	if data.ClickURL == "" {
		return content
	}

	return hrefPattern.ReplaceAllStringFunc(content, func(match string) string {
		target := html.UnescapeString(match[len(`href="`) : len(match)-1])
		if target == data.UnsubscribeURL {
			return match
		}
		return `href="` + html.EscapeString(data.ClickURL+"?u="+url.QueryEscape(target)) + `"`
	})
}

// HTMLToText derives a plain-text alternative from rendered HTML. Links
// keep their target in parentheses.
func HTMLToText(s string) string {
	s = linkPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := linkPattern.FindStringSubmatch(match)
		label := strings.TrimSpace(tagPattern.ReplaceAllString(m[2], ""))
		target := m[1]
		if label == "" || label == target || html.UnescapeString(label) == html.UnescapeString(target) {
			return target
		}
		return label + " (" + target + ")"
	})
	s = blockEndPattern.ReplaceAllString(s, "\n\n")
	s = lineEndPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
