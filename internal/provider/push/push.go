// Package push delivers notifications to registered device tokens and
// topic subscriptions. Delivery is simulated against the local token
// registry; the registry and topic bookkeeping are the real surface.
package push

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"notifyd/internal/config"
	"notifyd/internal/notify"
	"notifyd/internal/provider"
	"notifyd/pkg/logx"
)

const defaultMinTokenLength = 16

type Provider struct {
	log    logx.Logger
	ledger *provider.Ledger

	minTokenLen int

	mu     sync.RWMutex
	tokens map[string][]string            // user → device tokens
	topics map[string]map[string]struct{} // topic → user set
}

var _ notify.PushProvider = (*Provider)(nil)

func New(cfg config.PushProviderConfig, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	minLen := cfg.MinTokenLength
	if minLen <= 0 {
		minLen = defaultMinTokenLength
	}
	return &Provider{
		log:         log,
		ledger:      provider.NewLedger(0),
		minTokenLen: minLen,
		tokens:      map[string][]string{},
		topics:      map[string]map[string]struct{}{},
	}
}

func (p *Provider) Channel() notify.Channel { return notify.ChannelPush }

// RegisterToken adds a device token for a user. Invalid tokens are
// rejected rather than silently dropped so clients see the problem.
func (p *Provider) RegisterToken(userID, token string) error {
	if len(p.ValidateTokens([]string{token})) == 0 {
		return fmt.Errorf("invalid device token for user %s", userID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tokens[userID] {
		if t == token {
			return nil
		}
	}
	p.tokens[userID] = append(p.tokens[userID], token)
	return nil
}

func (p *Provider) UnregisterToken(userID, token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.tokens[userID]
	for i, t := range ts {
		if t == token {
			p.tokens[userID] = append(ts[:i], ts[i+1:]...)
			return
		}
	}
}

func (p *Provider) Send(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	tokens := p.ValidateTokens(p.tokens[n.UserID])
	p.mu.RUnlock()
	if len(tokens) == 0 {
		p.ledger.Record(n.ID, notify.StatusFailed)
		return fmt.Errorf("no device tokens for user %s", n.UserID)
	}

	p.log.Debug("push delivered",
		logx.String("user", n.UserID),
		logx.Int("devices", len(tokens)),
		logx.String("title", n.Subject))
	p.ledger.Record(n.ID, notify.StatusSent)
	return nil
}

func (p *Provider) SendToTopic(ctx context.Context, topic string, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	subs := make([]string, 0, len(p.topics[topic]))
	for uid := range p.topics[topic] {
		subs = append(subs, uid)
	}
	p.mu.RUnlock()
	if len(subs) == 0 {
		return fmt.Errorf("topic %q has no subscribers", topic)
	}

	delivered := 0
	for _, uid := range subs {
		un := n
		un.UserID = uid
		if err := p.Send(ctx, un); err == nil {
			delivered++
		}
	}
	p.log.Debug("topic push finished",
		logx.String("topic", topic),
		logx.Int("subscribers", len(subs)),
		logx.Int("delivered", delivered))
	return nil
}

func (p *Provider) SubscribeToTopic(userID, topic string) error {
	if strings.TrimSpace(topic) == "" {
		return &notify.ValidationError{Field: "topic", Reason: "required"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topics[topic] == nil {
		p.topics[topic] = map[string]struct{}{}
	}
	p.topics[topic][userID] = struct{}{}
	return nil
}

func (p *Provider) UnsubscribeFromTopic(userID, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs, ok := p.topics[topic]
	if !ok {
		return nil
	}
	delete(subs, userID)
	if len(subs) == 0 {
		delete(p.topics, topic)
	}
	return nil
}

// ValidateTokens drops blank and too-short tokens, preserving order.
func (p *Provider) ValidateTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" || len(t) < p.minTokenLen {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *Provider) VerifyDelivery(ctx context.Context, id string) (notify.Status, error) {
	return p.ledger.Status(id), nil
}

func (p *Provider) Healthy() bool { return true }
