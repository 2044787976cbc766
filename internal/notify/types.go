package notify

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Channel is a delivery mechanism.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelInApp   Channel = "inapp"
	ChannelWebhook Channel = "webhook"
)

// AllChannels lists every known channel in stable order.
func AllChannels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook}
}

// ParseChannel normalizes and validates a channel value.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebhook:
		return c, nil
	}
	return "", &ValidationError{Field: "channel", Reason: "unknown channel " + strconv.Quote(s)}
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	_, err := ParseChannel(string(c))
	return err == nil
}

// Priority orders requests by urgency. Critical bypasses do-not-disturb
// and quiet hours; nothing else does.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Critical() bool { return p == PriorityCritical }

// Type is the notification category. Per-type preference overrides are
// keyed by it.
type Type string

const (
	TypeWelcome           Type = "welcome"
	TypeOrderConfirmation Type = "order_confirmation"
	TypePaymentSuccess    Type = "payment_success"
	TypePaymentFailed     Type = "payment_failed"
	TypeShippingUpdate    Type = "shipping_update"
	TypeAccountAlert      Type = "account_alert"
	TypeSecurityAlert     Type = "security_alert"
	TypePromotion         Type = "promotion"
	TypeNewsletter        Type = "newsletter"
	TypeSystemMaintenance Type = "system_maintenance"
)

// Status is the per-channel delivery state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// SkipReason explains why a request produced no delivery attempts.
// Skips are policy, not errors.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipDisabled         SkipReason = "disabled"
	SkipExpired          SkipReason = "expired"
	SkipDND              SkipReason = "dnd"
	SkipQuietHours       SkipReason = "quiet_hours"
	SkipChannelsDisabled SkipReason = "all_channels_disabled"
)

// RenderedContent is the output of rendering: one resolved body per
// channel-shaped slot. The literal path duplicates the request's
// subject/message into every slot.
type RenderedContent struct {
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
	SMS       string `json:"sms"`
	PushTitle string `json:"push_title"`
	PushBody  string `json:"push_body"`

	TemplateKey string         `json:"template_key,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	RenderedAt  time.Time      `json:"rendered_at"`
}

// BodyFor picks the channel-appropriate body slot.
func (rc RenderedContent) BodyFor(c Channel) string {
	switch c {
	case ChannelEmail:
		if rc.HTML != "" {
			return rc.HTML
		}
		return rc.Text
	case ChannelSMS:
		if rc.SMS != "" {
			return rc.SMS
		}
		return rc.Text
	case ChannelPush:
		if rc.PushBody != "" {
			return rc.PushBody
		}
		return rc.Text
	default:
		return rc.Text
	}
}

// Notification is the channel-specific payload handed to a provider.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Channel   Channel        `json:"channel"`
	Type      Type           `json:"type"`
	Priority  Priority       `json:"priority"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Outcome records one delivery attempt per (request, channel).
// Outcomes are aggregated per request but never merged across channels:
// a failure on one channel must not erase another channel's success.
type Outcome struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Channel   Channel   `json:"channel"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Provider is the capability contract every channel backend implements.
//
// Send attempts delivery of a fully rendered notification and returns an
// error on hard failure. VerifyDelivery reports the last known status for
// an id (StatusUnknown if the id was never seen). Healthy is a cheap
// liveness signal used by health fan-in.
type Provider interface {
	Channel() Channel
	Send(ctx context.Context, n Notification) error
	VerifyDelivery(ctx context.Context, notificationID string) (Status, error)
	Healthy() bool
}

// PushProvider extends Provider with device-token and topic management.
type PushProvider interface {
	Provider
	SendToTopic(ctx context.Context, topic string, n Notification) error
	SubscribeToTopic(userID, topic string) error
	UnsubscribeFromTopic(userID, topic string) error
	// ValidateTokens filters out blank tokens and tokens shorter than the
	// provider's minimum length, returning the valid remainder.
	ValidateTokens(tokens []string) []string
}

// WebhookTestResult is the outcome of probing a registered endpoint.
type WebhookTestResult struct {
	Success        bool              `json:"success"`
	StatusCode     int               `json:"status_code"`
	ResponseTimeMS int64             `json:"response_time_ms"`
	Headers        map[string]string `json:"headers,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// WebhookProvider extends Provider with endpoint registration.
type WebhookProvider interface {
	Provider
	RegisterWebhook(url, secret string, eventTypes []Type) error
	UnregisterWebhook(url string) error
	TestWebhook(ctx context.Context, url string) WebhookTestResult
}

// InAppMessage is one inbox entry.
type InAppMessage struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      Type       `json:"type"`
	Subject   string     `json:"subject,omitempty"`
	Body      string     `json:"body"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// InAppProvider extends Provider with the per-user inbox surface.
// Listing is newest-first, excludes expired entries, and the retained
// inbox is capped per user (oldest discarded on overflow).
type InAppProvider interface {
	Provider
	MarkAsRead(userID, notificationID string) error
	MarkAllAsRead(userID string) int
	UnreadCount(userID string) int
	Notifications(userID string, page, pageSize int, unreadOnly bool) []InAppMessage
}
