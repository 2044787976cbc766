package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is one logical notification. Immutable once submitted to the
// dispatcher; Normalize is called exactly once at intake.
type Request struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Type     Type      `json:"type"`
	Channels []Channel `json:"channels"`
	Priority Priority  `json:"priority"`

	// TemplateKey selects rendered content; when empty, Subject/Message
	// are used literally.
	TemplateKey string         `json:"template_key,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Message     string         `json:"message,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// BulkRequest targets a set of users with one logical notification.
// Duplicate user ids collapse; BatchSize bounds how many users are
// resolved concurrently in one wave (throughput control only).
type BulkRequest struct {
	UserIDs  []string  `json:"user_ids"`
	Type     Type      `json:"type"`
	Channels []Channel `json:"channels"`
	Priority Priority  `json:"priority"`

	TemplateKey string         `json:"template_key,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Message     string         `json:"message,omitempty"`

	BatchSize int `json:"batch_size,omitempty"`
}

// ScheduledRequest is a Request with a due time. A due time at or before
// "now" behaves exactly like an immediate send.
type ScheduledRequest struct {
	Request
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Normalize fills defaults: a uuid when ID is blank, normal priority
// when unset, and a deduplicated, order-preserving channel list.
func (r *Request) Normalize() {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.New().String()
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	r.Channels = dedupeChannels(r.Channels)
}

// Validate checks request shape. It never touches stores or providers.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if len(r.Channels) == 0 {
		return &ValidationError{Field: "channels", Reason: "at least one channel required"}
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return &ValidationError{Field: "channels", Reason: "unknown channel " + string(c)}
		}
	}
	if r.TemplateKey == "" && strings.TrimSpace(r.Subject) == "" && strings.TrimSpace(r.Message) == "" {
		return &ValidationError{Field: "template_key", Reason: "template key or literal content required"}
	}
	return nil
}

// Expired reports whether the request's expiry is in the past.
func (r *Request) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Normalize collapses duplicate user ids (order-preserving) and applies
// the default batch size.
func (b *BulkRequest) Normalize(defaultBatch int) {
	seen := make(map[string]struct{}, len(b.UserIDs))
	out := b.UserIDs[:0]
	for _, id := range b.UserIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	b.UserIDs = out
	if b.Priority == "" {
		b.Priority = PriorityNormal
	}
	b.Channels = dedupeChannels(b.Channels)
	if b.BatchSize <= 0 {
		b.BatchSize = defaultBatch
	}
}

// Validate checks bulk request shape.
func (b *BulkRequest) Validate() error {
	if len(b.UserIDs) == 0 {
		return &ValidationError{Field: "user_ids", Reason: "at least one user required"}
	}
	if len(b.Channels) == 0 {
		return &ValidationError{Field: "channels", Reason: "at least one channel required"}
	}
	for _, c := range b.Channels {
		if !c.Valid() {
			return &ValidationError{Field: "channels", Reason: "unknown channel " + string(c)}
		}
	}
	if b.TemplateKey == "" && strings.TrimSpace(b.Subject) == "" && strings.TrimSpace(b.Message) == "" {
		return &ValidationError{Field: "template_key", Reason: "template key or literal content required"}
	}
	return nil
}

// RequestFor materializes the per-user request of a bulk job.
func (b *BulkRequest) RequestFor(userID string) Request {
	return Request{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        b.Type,
		Channels:    b.Channels,
		Priority:    b.Priority,
		TemplateKey: b.TemplateKey,
		Data:        b.Data,
		Subject:     b.Subject,
		Message:     b.Message,
	}
}

func dedupeChannels(in []Channel) []Channel {
	if len(in) < 2 {
		return in
	}
	seen := make(map[Channel]struct{}, len(in))
	out := in[:0]
	for _, c := range in {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
