// Package sms delivers notifications through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/notify"
	"notifyd/internal/provider"
	"notifyd/pkg/logx"
)

// maxSegmentRunes is the single-segment GSM length; longer messages are
// truncated rather than split.
const maxSegmentRunes = 160

var phoneRe = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

type gatewayPayload struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type Provider struct {
	cfg    config.SMSProviderConfig
	log    logx.Logger
	ledger *provider.Ledger
	client *http.Client

	healthy atomic.Bool
}

var _ notify.Provider = (*Provider)(nil)

func New(cfg config.SMSProviderConfig, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := 10 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	p := &Provider{
		cfg:    cfg,
		log:    log,
		ledger: provider.NewLedger(0),
		client: &http.Client{Timeout: timeout},
	}
	p.healthy.Store(true)
	return p
}

func (p *Provider) Channel() notify.Channel { return notify.ChannelSMS }

func (p *Provider) Send(ctx context.Context, n notify.Notification) error {
	to := recipient(n)
	if to == "" {
		return fmt.Errorf("no phone number for user %s", n.UserID)
	}
	if !phoneRe.MatchString(to) {
		return fmt.Errorf("invalid phone number %q", to)
	}

	msg := truncate(n.Body, maxSegmentRunes)
	if p.cfg.DryRun {
		p.log.Info("sms dry-run", logx.String("to", to), logx.Int("runes", len([]rune(msg))))
		p.ledger.Record(n.ID, notify.StatusSent)
		return nil
	}

	body, err := json.Marshal(gatewayPayload{To: to, From: p.cfg.Sender, Message: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.healthy.Store(false)
		p.ledger.Record(n.ID, notify.StatusFailed)
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.ledger.Record(n.ID, notify.StatusFailed)
		return fmt.Errorf("sms gateway returned %s", resp.Status)
	}
	p.healthy.Store(true)
	p.ledger.Record(n.ID, notify.StatusSent)
	return nil
}

func (p *Provider) VerifyDelivery(ctx context.Context, id string) (notify.Status, error) {
	return p.ledger.Status(id), nil
}

func (p *Provider) Healthy() bool { return p.healthy.Load() }

func recipient(n notify.Notification) string {
	if v, ok := n.Data["phone"].(string); ok && v != "" {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
