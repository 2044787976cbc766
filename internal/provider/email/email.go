// Package email delivers notifications over SMTP.
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync/atomic"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/notify"
	"notifyd/internal/provider"
	"notifyd/pkg/logx"
)

// sendFunc matches smtp.SendMail; injectable for tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Provider struct {
	cfg    config.EmailProviderConfig
	log    logx.Logger
	ledger *provider.Ledger

	send    sendFunc
	healthy atomic.Bool
}

var _ notify.Provider = (*Provider)(nil)

func New(cfg config.EmailProviderConfig, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Provider{
		cfg:    cfg,
		log:    log,
		ledger: provider.NewLedger(0),
		send:   smtp.SendMail,
	}
	p.healthy.Store(true)
	return p
}

func (p *Provider) Channel() notify.Channel { return notify.ChannelEmail }

func (p *Provider) Send(ctx context.Context, n notify.Notification) error {
	to := recipient(n)
	if to == "" {
		return fmt.Errorf("no recipient address for user %s", n.UserID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMessage(p.cfg.From, to, n.Subject, n.Body)
	if p.cfg.DryRun {
		p.log.Info("email dry-run",
			logx.String("to", to),
			logx.String("subject", n.Subject),
			logx.Int("bytes", len(msg)))
		p.ledger.Record(n.ID, notify.StatusSent)
		return nil
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	var auth smtp.Auth
	if p.cfg.Username != "" || p.cfg.Password != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	if err := p.send(addr, auth, p.cfg.From, []string{to}, msg); err != nil {
		p.healthy.Store(false)
		p.ledger.Record(n.ID, notify.StatusFailed)
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	p.healthy.Store(true)
	p.ledger.Record(n.ID, notify.StatusSent)
	return nil
}

func (p *Provider) VerifyDelivery(ctx context.Context, id string) (notify.Status, error) {
	return p.ledger.Status(id), nil
}

func (p *Provider) Healthy() bool { return p.healthy.Load() }

// recipient prefers an explicit address in the request data and falls
// back to the user id (deployments that key users by address).
func recipient(n notify.Notification) string {
	if v, ok := n.Data["email"].(string); ok && v != "" {
		return v
	}
	if strings.Contains(n.UserID, "@") {
		return n.UserID
	}
	return ""
}

func buildMessage(from, to, subject, body string) []byte {
	ctype := "text/plain; charset=UTF-8"
	if strings.Contains(body, "</") {
		ctype = "text/html; charset=UTF-8"
	}
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"Date: " + time.Now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: " + ctype,
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body)
}
