package template

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Renderer resolves a template by key and language and substitutes
// request data into its bodies.
type Renderer struct {
	store       Store
	defaultLang string
	log         logx.Logger

	now func() time.Time
}

func NewRenderer(store Store, defaultLang string, log logx.Logger) *Renderer {
	if defaultLang == "" {
		defaultLang = "en-US"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Renderer{store: store, defaultLang: defaultLang, log: log, now: time.Now}
}

// Render resolves (key, language) with fallback and substitutes data.
// Fallback order: exact language, the default language, then the
// lexicographically first language the key has. ErrTemplateNotFound is
// returned only when the key has no variant in any language; a missing
// translation is not an error.
func (r *Renderer) Render(ctx context.Context, key string, data map[string]any, language string) (notify.RenderedContent, error) {
	t, err := r.resolve(ctx, key, language)
	if err != nil {
		return notify.RenderedContent{}, err
	}
	if t.Language != language {
		r.log.Debug("template language fallback",
			logx.String("key", key),
			logx.String("requested", language),
			logx.String("used", t.Language))
	}
	return r.substituteAll(t, data), nil
}

// Preview renders a variant against sample data without fallback: the
// caller is editing that exact variant and wants to see it as-is.
func (r *Renderer) Preview(ctx context.Context, key, language string, sample map[string]any) (notify.RenderedContent, error) {
	t, err := r.store.Get(ctx, key, language)
	if err != nil {
		return notify.RenderedContent{}, err
	}
	return r.substituteAll(t, sample), nil
}

func (r *Renderer) resolve(ctx context.Context, key, language string) (Template, error) {
	if language != "" {
		if t, err := r.store.Get(ctx, key, language); err == nil {
			return t, nil
		}
	}
	if language != r.defaultLang {
		if t, err := r.store.Get(ctx, key, r.defaultLang); err == nil {
			return t, nil
		}
	}
	langs, err := r.store.Languages(ctx, key)
	if err != nil || len(langs) == 0 {
		return Template{}, ErrTemplateNotFound
	}
	return r.store.Get(ctx, key, langs[0])
}

func (r *Renderer) substituteAll(t Template, data map[string]any) notify.RenderedContent {
	return notify.RenderedContent{
		TemplateKey: t.Key,
		Subject:     Substitute(t.Subject, data),
		Text:        Substitute(t.Text, data),
		HTML:        Substitute(t.HTML, data),
		SMS:         Substitute(t.SMS, data),
		PushTitle:   Substitute(t.PushTitle, data),
		PushBody:    Substitute(t.PushBody, data),
		Data:        data,
		RenderedAt:  r.now(),
	}
}

// RenderLiteral builds content from a literal subject and message,
// duplicating the message into every channel body.
func RenderLiteral(subject, message string) notify.RenderedContent {
	return notify.RenderedContent{
		Subject:    subject,
		Text:       message,
		HTML:       message,
		SMS:        message,
		PushTitle:  subject,
		PushBody:   message,
		RenderedAt: time.Now(),
	}
}

// Substitute replaces {{dotted.path}} placeholders with values from
// data, traversing nested maps. A placeholder whose path is absent is
// left verbatim, delimiters included, so a gap in the data is visible
// in the output instead of silently blanked.
func Substitute(body string, data map[string]any) string {
	if !strings.Contains(body, "{{") {
		return body
	}
	var b strings.Builder
	b.Grow(len(body))
	for {
		open := strings.Index(body, "{{")
		if open < 0 {
			b.WriteString(body)
			return b.String()
		}
		close := strings.Index(body[open:], "}}")
		if close < 0 {
			b.WriteString(body)
			return b.String()
		}
		close += open
		b.WriteString(body[:open])

		raw := body[open : close+2]
		path := strings.TrimSpace(body[open+2 : close])
		if v, ok := lookupPath(data, path); ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteString(raw)
		}
		body = body[close+2:]
	}
}

// lookupPath walks a dotted path through nested map[string]any values.
func lookupPath(data map[string]any, path string) (any, bool) {
	if path == "" || data == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = data
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Issue is one problem found during template validation.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateBody checks one body for malformed placeholder syntax.
// Problems are reported as values: a broken template is data, not an
// error condition.
func ValidateBody(field, body string) []Issue {
	var issues []Issue
	opens := strings.Count(body, "{{")
	closes := strings.Count(body, "}}")
	if opens != closes {
		issues = append(issues, Issue{
			Field:   field,
			Message: fmt.Sprintf("unbalanced placeholder delimiters: %d {{ vs %d }}", opens, closes),
		})
	}
	rest := body
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			break
		}
		key := strings.TrimSpace(rest[open+2 : open+close])
		if key == "" {
			issues = append(issues, Issue{Field: field, Message: "empty placeholder"})
		}
		rest = rest[open+close+2:]
	}
	return issues
}

// ValidateTemplate runs ValidateBody over every body field, plus the
// composite-key checks.
func ValidateTemplate(t Template) []Issue {
	var issues []Issue
	if t.Key == "" {
		issues = append(issues, Issue{Field: "key", Message: "required"})
	}
	if t.Language == "" {
		issues = append(issues, Issue{Field: "language", Message: "required"})
	}
	for _, f := range []struct {
		name string
		body string
	}{
		{"subject", t.Subject},
		{"text", t.Text},
		{"html", t.HTML},
		{"sms", t.SMS},
		{"push_title", t.PushTitle},
		{"push_body", t.PushBody},
	} {
		issues = append(issues, ValidateBody(f.name, f.body)...)
	}
	return issues
}
