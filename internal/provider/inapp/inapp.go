// Package inapp stores notifications in per-user inboxes read back
// through the API (notification center surface).
package inapp

import (
	"context"
	"sync"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/notify"
	"notifyd/internal/provider"
	"notifyd/pkg/logx"
)

const defaultMaxPerUser = 100

type Provider struct {
	log    logx.Logger
	ledger *provider.Ledger
	max    int

	mu      sync.RWMutex
	inboxes map[string][]notify.InAppMessage // oldest first

	now func() time.Time
}

var _ notify.InAppProvider = (*Provider)(nil)

func New(cfg config.InAppProviderConfig, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	max := cfg.MaxPerUser
	if max <= 0 {
		max = defaultMaxPerUser
	}
	return &Provider{
		log:     log,
		ledger:  provider.NewLedger(0),
		max:     max,
		inboxes: map[string][]notify.InAppMessage{},
		now:     time.Now,
	}
}

func (p *Provider) Channel() notify.Channel { return notify.ChannelInApp }

func (p *Provider) Send(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := notify.InAppMessage{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      n.Type,
		Subject:   n.Subject,
		Body:      n.Body,
		CreatedAt: p.now(),
		ExpiresAt: n.ExpiresAt,
	}

	p.mu.Lock()
	box := append(p.inboxes[n.UserID], msg)
	// cap: discard oldest on overflow
	if len(box) > p.max {
		box = box[len(box)-p.max:]
	}
	p.inboxes[n.UserID] = box
	p.mu.Unlock()

	p.ledger.Record(n.ID, notify.StatusDelivered)
	return nil
}

// Notifications pages through a user's inbox newest-first, skipping
// expired entries. Pages are 1-based; out-of-range pages are empty.
func (p *Provider) Notifications(userID string, page, pageSize int, unreadOnly bool) []notify.InAppMessage {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	now := p.now()

	p.mu.RLock()
	box := p.inboxes[userID]
	visible := make([]notify.InAppMessage, 0, len(box))
	for i := len(box) - 1; i >= 0; i-- {
		m := box[i]
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			continue
		}
		if unreadOnly && m.Read {
			continue
		}
		visible = append(visible, m)
	}
	p.mu.RUnlock()

	start := (page - 1) * pageSize
	if start >= len(visible) {
		return nil
	}
	end := start + pageSize
	if end > len(visible) {
		end = len(visible)
	}
	return visible[start:end]
}

func (p *Provider) MarkAsRead(userID, notificationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	box := p.inboxes[userID]
	for i := range box {
		if box[i].ID == notificationID {
			box[i].Read = true
			return nil
		}
	}
	return notify.ErrNotFound
}

// MarkAllAsRead returns how many messages flipped to read.
func (p *Provider) MarkAllAsRead(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	box := p.inboxes[userID]
	flipped := 0
	for i := range box {
		if !box[i].Read {
			box[i].Read = true
			flipped++
		}
	}
	return flipped
}

func (p *Provider) UnreadCount(userID string) int {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, m := range p.inboxes[userID] {
		if m.Read {
			continue
		}
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			continue
		}
		count++
	}
	return count
}

func (p *Provider) VerifyDelivery(ctx context.Context, id string) (notify.Status, error) {
	return p.ledger.Status(id), nil
}

func (p *Provider) Healthy() bool { return true }
