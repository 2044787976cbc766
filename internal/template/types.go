// Package template stores notification templates and renders them with
// placeholder substitution and language fallback.
//
// Templates are addressed by a (key, language) composite. Rendering
// falls back from the requested language to the default language, then
// to the lexicographically first language available for the key, so a
// missing translation degrades to another language instead of failing.
package template

import (
	"context"
	"fmt"
	"time"

	"notifyd/internal/notify"
)

// ErrTemplateNotFound is returned by lookups and by Render when no
// language variant exists for a key at all.
var ErrTemplateNotFound = fmt.Errorf("template %w", notify.ErrNotFound)

// Template is one language variant of a notification template. Bodies
// use {{dotted.path}} placeholders resolved against the request data.
type Template struct {
	Key      string `json:"key"`
	Language string `json:"language"`

	Name     string      `json:"name,omitempty"`
	Category notify.Type `json:"category,omitempty"`

	Subject   string `json:"subject,omitempty"`
	Text      string `json:"text,omitempty"`
	HTML      string `json:"html,omitempty"`
	SMS       string `json:"sms,omitempty"`
	PushTitle string `json:"push_title,omitempty"`
	PushBody  string `json:"push_body,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the composite key. Body content is not required: an
// empty body renders to an empty string, which is legal.
func (t *Template) Validate() error {
	if t.Key == "" {
		return &notify.ValidationError{Field: "key", Reason: "required"}
	}
	if t.Language == "" {
		return &notify.ValidationError{Field: "language", Reason: "required"}
	}
	return nil
}

// Store is the template persistence contract. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key, language string) (Template, error)
	CreateOrUpdate(ctx context.Context, t Template) error
	Delete(ctx context.Context, key, language string) error

	ListAll(ctx context.Context) ([]Template, error)
	ListByKey(ctx context.Context, key string) ([]Template, error)
	Languages(ctx context.Context, key string) ([]string, error)

	Clone(ctx context.Context, key, fromLanguage, toLanguage string) error

	// Import loads a batch, skipping variants that already exist unless
	// overwrite is set. It returns the number of templates written.
	Import(ctx context.Context, ts []Template, overwrite bool) (int, error)
	Export(ctx context.Context) ([]Template, error)
}
