package template

import (
	"context"
	"errors"
	"testing"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

func seedStore(t *testing.T, ts ...Template) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	for _, tpl := range ts {
		if err := s.CreateOrUpdate(context.Background(), tpl); err != nil {
			t.Fatalf("seed %s/%s: %v", tpl.Key, tpl.Language, err)
		}
	}
	return s
}

func TestSubstitute(t *testing.T) {
	t.Parallel()
	data := map[string]any{
		"name": "Ada",
		"order": map[string]any{
			"id":    "A-100",
			"total": 42,
		},
	}

	cases := []struct {
		name string
		body string
		want string
	}{
		{"plain", "no placeholders here", "no placeholders here"},
		{"simple", "hello {{name}}", "hello Ada"},
		{"dotted", "order {{order.id}} total {{order.total}}", "order A-100 total 42"},
		{"unresolved verbatim", "hi {{missing.path}}", "hi {{missing.path}}"},
		{"mixed", "{{name}}: {{nope}}", "Ada: {{nope}}"},
		{"inner spaces", "hello {{ name }}", "hello Ada"},
		{"unterminated", "hello {{name", "hello {{name"},
		{"non-map segment", "{{name.first}}", "{{name.first}}"},
		{"adjacent", "{{name}}{{name}}", "AdaAda"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Substitute(tc.body, data); got != tc.want {
				t.Fatalf("Substitute(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}

func TestSubstituteNilData(t *testing.T) {
	t.Parallel()
	body := "hi {{name}}"
	if got := Substitute(body, nil); got != body {
		t.Fatalf("got %q, want verbatim %q", got, body)
	}
}

func TestRenderLanguageFallback(t *testing.T) {
	t.Parallel()
	store := seedStore(t,
		Template{Key: "welcome", Language: "en-US", Subject: "Welcome {{name}}", Text: "Hello {{name}}"},
		Template{Key: "welcome", Language: "de-DE", Subject: "Willkommen {{name}}", Text: "Hallo {{name}}"},
		Template{Key: "digest", Language: "fr-FR", Subject: "Résumé"},
		Template{Key: "digest", Language: "es-ES", Subject: "Resumen"},
	)
	r := NewRenderer(store, "en-US", logx.Nop())
	ctx := context.Background()
	data := map[string]any{"name": "Ada"}

	// Exact match.
	rc, err := r.Render(ctx, "welcome", data, "de-DE")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rc.Subject != "Willkommen Ada" {
		t.Fatalf("Subject = %q", rc.Subject)
	}

	// Unknown language falls back to the default.
	rc, err = r.Render(ctx, "welcome", data, "ja-JP")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rc.Subject != "Welcome Ada" {
		t.Fatalf("Subject = %q, want default-language render", rc.Subject)
	}

	// Neither requested nor default exists: lexicographically first wins.
	rc, err = r.Render(ctx, "digest", nil, "ja-JP")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rc.Subject != "Resumen" {
		t.Fatalf("Subject = %q, want es-ES variant", rc.Subject)
	}
}

func TestRenderUnknownKey(t *testing.T) {
	t.Parallel()
	r := NewRenderer(NewMemoryStore(), "en-US", logx.Nop())

	_, err := r.Render(context.Background(), "nope", nil, "en-US")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
	if !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("err = %v, must wrap the not-found sentinel", err)
	}
}

func TestRenderFillsAllBodies(t *testing.T) {
	t.Parallel()
	store := seedStore(t, Template{
		Key: "ship", Language: "en-US",
		Subject: "s {{v}}", Text: "t {{v}}", HTML: "<p>{{v}}</p>",
		SMS: "m {{v}}", PushTitle: "pt {{v}}", PushBody: "pb {{v}}",
	})
	r := NewRenderer(store, "en-US", logx.Nop())

	rc, err := r.Render(context.Background(), "ship", map[string]any{"v": "x"}, "en-US")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := map[string]string{
		"Subject": "s x", "Text": "t x", "HTML": "<p>x</p>",
		"SMS": "m x", "PushTitle": "pt x", "PushBody": "pb x",
	}
	got := map[string]string{
		"Subject": rc.Subject, "Text": rc.Text, "HTML": rc.HTML,
		"SMS": rc.SMS, "PushTitle": rc.PushTitle, "PushBody": rc.PushBody,
	}
	for f, w := range want {
		if got[f] != w {
			t.Fatalf("%s = %q, want %q", f, got[f], w)
		}
	}
	if rc.TemplateKey != "ship" || rc.RenderedAt.IsZero() {
		t.Fatalf("metadata not set: %+v", rc)
	}
}

func TestPreviewNoFallback(t *testing.T) {
	t.Parallel()
	store := seedStore(t, Template{Key: "welcome", Language: "en-US", Subject: "Hi {{name}}"})
	r := NewRenderer(store, "en-US", logx.Nop())
	ctx := context.Background()

	rc, err := r.Preview(ctx, "welcome", "en-US", map[string]any{"name": "Bo"})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if rc.Subject != "Hi Bo" {
		t.Fatalf("Subject = %q", rc.Subject)
	}

	if _, err := r.Preview(ctx, "welcome", "de-DE", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("err = %v, preview must not fall back", err)
	}
}

func TestRenderLiteral(t *testing.T) {
	t.Parallel()
	rc := RenderLiteral("subj", "body")
	if rc.Subject != "subj" || rc.PushTitle != "subj" {
		t.Fatalf("subject fields: %q / %q", rc.Subject, rc.PushTitle)
	}
	for _, b := range []string{rc.Text, rc.HTML, rc.SMS, rc.PushBody} {
		if b != "body" {
			t.Fatalf("body field = %q", b)
		}
	}
}

func TestValidateBody(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		issues int
	}{
		{"clean", "hello {{name}}", 0},
		{"no placeholders", "plain", 0},
		{"unbalanced open", "hello {{name", 1},
		{"unbalanced close", "hello name}}", 1},
		{"empty key", "hello {{}}", 1},
		{"empty and unbalanced", "{{}} and {{", 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ValidateBody("text", tc.body)
			if len(got) != tc.issues {
				t.Fatalf("ValidateBody(%q) = %v, want %d issues", tc.body, got, tc.issues)
			}
		})
	}
}

func TestValidateTemplate(t *testing.T) {
	t.Parallel()
	issues := ValidateTemplate(Template{
		Key: "", Language: "en-US",
		Subject: "ok {{name}}",
		Text:    "broken {{",
	})
	var fields []string
	for _, i := range issues {
		fields = append(fields, i.Field)
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %v (fields %v), want key + text", issues, fields)
	}
}
