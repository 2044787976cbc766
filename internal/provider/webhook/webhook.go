// Package webhook posts notification payloads to registered HTTP
// endpoints, signing each body with HMAC-SHA256.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/notify"
	"notifyd/internal/provider"
	"notifyd/pkg/logx"
)

const defaultSignatureHeader = "X-Notifyd-Signature"

type endpoint struct {
	url    string
	secret string
	types  map[notify.Type]struct{} // empty set receives everything
}

type deliveryPayload struct {
	ID       string         `json:"id"`
	UserID   string         `json:"user_id"`
	Type     notify.Type    `json:"type"`
	Priority string         `json:"priority"`
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

type Provider struct {
	log    logx.Logger
	ledger *provider.Ledger
	client *http.Client
	header string

	mu        sync.RWMutex
	endpoints map[string]endpoint
}

var _ notify.WebhookProvider = (*Provider)(nil)

func New(cfg config.WebhookProviderConfig, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := 10 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	header := cfg.SignatureHeader
	if header == "" {
		header = defaultSignatureHeader
	}
	return &Provider{
		log:       log,
		ledger:    provider.NewLedger(0),
		client:    &http.Client{Timeout: timeout},
		header:    header,
		endpoints: map[string]endpoint{},
	}
}

func (p *Provider) Channel() notify.Channel { return notify.ChannelWebhook }

// RegisterWebhook adds or replaces an endpoint. An empty eventTypes
// list subscribes the endpoint to every notification type.
func (p *Provider) RegisterWebhook(rawURL, secret string, eventTypes []notify.Type) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &notify.ValidationError{Field: "url", Reason: "absolute http(s) url required"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &notify.ValidationError{Field: "url", Reason: "unsupported scheme " + u.Scheme}
	}

	types := map[notify.Type]struct{}{}
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	p.mu.Lock()
	p.endpoints[rawURL] = endpoint{url: rawURL, secret: secret, types: types}
	p.mu.Unlock()
	return nil
}

func (p *Provider) UnregisterWebhook(rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.endpoints[rawURL]; !ok {
		return notify.ErrNotFound
	}
	delete(p.endpoints, rawURL)
	return nil
}

// Send posts the payload to every endpoint subscribed to the
// notification's type. Per-endpoint failures are joined; delivery to at
// least one endpoint with others failing is still an error, so the
// dispatcher records the partial failure.
func (p *Provider) Send(ctx context.Context, n notify.Notification) error {
	targets := p.subscribed(n.Type)
	if len(targets) == 0 {
		p.ledger.Record(n.ID, notify.StatusFailed)
		return fmt.Errorf("no webhook endpoints subscribed to type %s", n.Type)
	}

	body, err := json.Marshal(deliveryPayload{
		ID:       n.ID,
		UserID:   n.UserID,
		Type:     n.Type,
		Priority: string(n.Priority),
		Subject:  n.Subject,
		Body:     n.Body,
		Data:     n.Data,
		SentAt:   time.Now(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, ep := range targets {
		if err := p.post(ctx, ep, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.url, err))
		}
	}
	if len(errs) > 0 {
		p.ledger.Record(n.ID, notify.StatusFailed)
		return errors.Join(errs...)
	}
	p.ledger.Record(n.ID, notify.StatusSent)
	return nil
}

func (p *Provider) post(ctx context.Context, ep endpoint, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.secret != "" {
		req.Header.Set(p.header, Sign(ep.secret, body))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// TestWebhook probes one endpoint with a small payload and reports the
// outcome as data rather than an error.
func (p *Provider) TestWebhook(ctx context.Context, rawURL string) notify.WebhookTestResult {
	p.mu.RLock()
	ep, ok := p.endpoints[rawURL]
	p.mu.RUnlock()
	if !ok {
		return notify.WebhookTestResult{Error: "endpoint not registered"}
	}

	body, _ := json.Marshal(map[string]any{"test": true, "sent_at": time.Now()})
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return notify.WebhookTestResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.secret != "" {
		req.Header.Set(p.header, Sign(ep.secret, body))
	}
	resp, err := p.client.Do(req)
	took := time.Since(start).Milliseconds()
	if err != nil {
		return notify.WebhookTestResult{ResponseTimeMS: took, Error: err.Error()}
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return notify.WebhookTestResult{
		Success:        resp.StatusCode >= 200 && resp.StatusCode <= 299,
		StatusCode:     resp.StatusCode,
		ResponseTimeMS: took,
		Headers:        headers,
	}
}

func (p *Provider) VerifyDelivery(ctx context.Context, id string) (notify.Status, error) {
	return p.ledger.Status(id), nil
}

func (p *Provider) Healthy() bool { return true }

// Endpoints lists the registered endpoint URLs.
func (p *Provider) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.endpoints))
	for u := range p.endpoints {
		out = append(out, u)
	}
	return out
}

func (p *Provider) subscribed(t notify.Type) []endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if len(ep.types) == 0 {
			out = append(out, ep)
			continue
		}
		if _, ok := ep.types[t]; ok {
			out = append(out, ep)
		}
	}
	return out
}

// Sign computes the hex HMAC-SHA256 of body under secret, the value
// carried in the signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
