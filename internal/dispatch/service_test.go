package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/internal/prefs"
	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

type fakeProvider struct {
	ch notify.Channel

	mu   sync.Mutex
	sent []notify.Notification
	fail error
	boom bool
}

func (f *fakeProvider) Channel() notify.Channel { return f.ch }

func (f *fakeProvider) Send(ctx context.Context, n notify.Notification) error {
	if f.boom {
		panic("provider exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeProvider) VerifyDelivery(ctx context.Context, id string) (notify.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.sent {
		if n.ID == id {
			return notify.StatusSent, nil
		}
	}
	return notify.StatusUnknown, nil
}

func (f *fakeProvider) Healthy() bool { return true }

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeProvider) last() notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeProvider) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

type fixture struct {
	svc   *Service
	store *prefs.MemoryStore
	tpls  *template.MemoryStore
	email *fakeProvider
	sms   *fakeProvider
}

func newFixture(t *testing.T, cfg config.DispatcherConfig) *fixture {
	t.Helper()
	store := prefs.NewMemoryStore()
	tpls := template.NewMemoryStore()
	f := &fixture{
		store: store,
		tpls:  tpls,
		email: &fakeProvider{ch: notify.ChannelEmail},
		sms:   &fakeProvider{ch: notify.ChannelSMS},
	}
	f.svc = New(cfg,
		prefs.NewResolver(store, logx.Nop()),
		template.NewRenderer(tpls, "en-US", logx.Nop()),
		NewMemoryOutcomes(100),
		eventbus.New(),
		logx.Nop())
	f.svc.RegisterProvider(f.email)
	f.svc.RegisterProvider(f.sms)
	return f
}

func literalReq(user string) notify.Request {
	return notify.Request{
		UserID:   user,
		Type:     notify.TypeAccountAlert,
		Channels: []notify.Channel{notify.ChannelEmail, notify.ChannelSMS},
		Subject:  "subj",
		Message:  "body",
	}
}

func outcomeFor(t *testing.T, outs []notify.Outcome, c notify.Channel) notify.Outcome {
	t.Helper()
	for _, o := range outs {
		if o.Channel == c {
			return o
		}
	}
	t.Fatalf("no outcome for channel %s in %+v", c, outs)
	return notify.Outcome{}
}

func TestSendDeliversToAllAllowedChannels(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})

	req := literalReq("u1")
	req.ID = "r1"
	if err := f.svc.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if f.email.count() != 1 || f.sms.count() != 1 {
		t.Fatalf("provider calls = %d/%d", f.email.count(), f.sms.count())
	}
	n := f.email.last()
	if n.ID != "r1" || n.Subject != "subj" || n.Body != "body" {
		t.Fatalf("notification = %+v", n)
	}

	outs, err := f.svc.Status(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("outcomes = %+v", outs)
	}
	for _, o := range outs {
		if o.Status != notify.StatusSent {
			t.Fatalf("outcome %s = %s", o.Channel, o.Status)
		}
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  notify.Request
	}{
		{"missing user", notify.Request{Channels: []notify.Channel{notify.ChannelEmail}, Message: "m"}},
		{"no channels", notify.Request{UserID: "u1", Message: "m"}},
		{"unknown channel", notify.Request{UserID: "u1", Channels: []notify.Channel{"fax"}, Message: "m"}},
		{"no content", notify.Request{UserID: "u1", Channels: []notify.Channel{notify.ChannelEmail}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.svc.Send(ctx, tc.req)
			if !notify.IsValidation(err) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
	if f.email.count() != 0 || f.sms.count() != 0 {
		t.Fatal("validation failures must not reach providers")
	}
}

func TestSendChannelFailureIsolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	f.email.setFail(errors.New("smtp down"))

	req := literalReq("u1")
	req.ID = "r1"
	if err := f.svc.Send(context.Background(), req); err != nil {
		t.Fatalf("Send must contain provider failures, got %v", err)
	}
	if f.sms.count() != 1 {
		t.Fatal("sms delivery must proceed despite email failure")
	}

	outs, _ := f.svc.Status(context.Background(), "r1")
	eo := outcomeFor(t, outs, notify.ChannelEmail)
	if eo.Status != notify.StatusFailed || eo.Error == "" {
		t.Fatalf("email outcome = %+v", eo)
	}
	so := outcomeFor(t, outs, notify.ChannelSMS)
	if so.Status != notify.StatusSent {
		t.Fatalf("sms outcome = %+v", so)
	}
}

func TestSendProviderPanicContained(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	f.email.boom = true

	req := literalReq("u1")
	req.ID = "r1"
	if err := f.svc.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	outs, _ := f.svc.Status(context.Background(), "r1")
	if outcomeFor(t, outs, notify.ChannelEmail).Status != notify.StatusFailed {
		t.Fatal("panicking provider must yield a failed outcome")
	}
	if outcomeFor(t, outs, notify.ChannelSMS).Status != notify.StatusSent {
		t.Fatal("other channels must survive a provider panic")
	}
}

func TestSendSkipsSilently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		off := false
		f := newFixture(t, config.DispatcherConfig{Enabled: &off})
		if err := f.svc.Send(ctx, literalReq("u1")); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if f.email.count() != 0 {
			t.Fatal("disabled dispatcher must not deliver")
		}
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, config.DispatcherConfig{})
		req := literalReq("u1")
		past := time.Now().Add(-time.Hour)
		req.ExpiresAt = &past
		if err := f.svc.Send(ctx, req); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if f.email.count() != 0 {
			t.Fatal("expired request must not deliver")
		}
	})

	t.Run("dnd", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, config.DispatcherConfig{})
		if err := f.store.SetDoNotDisturb(ctx, "u1", true); err != nil {
			t.Fatalf("SetDoNotDisturb: %v", err)
		}
		if err := f.svc.Send(ctx, literalReq("u1")); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if f.email.count() != 0 {
			t.Fatal("dnd must suppress delivery")
		}
	})

	t.Run("dnd critical bypass", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, config.DispatcherConfig{})
		if err := f.store.SetDoNotDisturb(ctx, "u1", true); err != nil {
			t.Fatalf("SetDoNotDisturb: %v", err)
		}
		req := literalReq("u1")
		req.Priority = notify.PriorityCritical
		if err := f.svc.Send(ctx, req); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if f.email.count() != 1 {
			t.Fatal("critical priority must bypass dnd")
		}
	})
}

func TestSendRendersTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	ctx := context.Background()

	err := f.tpls.CreateOrUpdate(ctx, template.Template{
		Key: "order", Language: "en-US",
		Subject: "Order {{order.id}}",
		Text:    "Total: {{order.total}}, eta {{eta}}",
	})
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}

	req := notify.Request{
		UserID:      "u1",
		Type:        notify.TypeOrderConfirmation,
		Channels:    []notify.Channel{notify.ChannelEmail},
		TemplateKey: "order",
		Data:        map[string]any{"order": map[string]any{"id": "A-7", "total": 12}},
	}
	if err := f.svc.Send(ctx, req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	n := f.email.last()
	if n.Subject != "Order A-7" {
		t.Fatalf("Subject = %q", n.Subject)
	}
	// Data gap stays verbatim in the body.
	if n.Body != "Total: 12, eta {{eta}}" {
		t.Fatalf("Body = %q", n.Body)
	}
}

func TestSendUnknownTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})

	req := notify.Request{
		UserID:      "u1",
		Channels:    []notify.Channel{notify.ChannelEmail},
		TemplateKey: "missing",
	}
	err := f.svc.Send(context.Background(), req)
	if !errors.Is(err, template.ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
	if f.email.count() != 0 {
		t.Fatal("render failure must precede delivery")
	}
}

func TestSendBulkTally(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{Workers: 2})
	ctx := context.Background()

	if err := f.store.SetDoNotDisturb(ctx, "u2", true); err != nil {
		t.Fatalf("SetDoNotDisturb: %v", err)
	}

	res, err := f.svc.SendBulk(ctx, notify.BulkRequest{
		UserIDs:  []string{"u1", "u2", "u3", "u1"}, // duplicate collapses
		Type:     notify.TypeNewsletter,
		Channels: []notify.Channel{notify.ChannelEmail},
		Message:  "hello",
	})
	if err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if res.Users != 3 {
		t.Fatalf("Users = %d, want 3 after dedupe", res.Users)
	}
	if res.Sent != 2 || res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("tally = %+v", res)
	}
	if f.email.count() != 2 {
		t.Fatalf("provider calls = %d", f.email.count())
	}
}

func TestSendBulkBatchesAllUsers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{Workers: 3})
	ctx := context.Background()

	users := make([]string, 25)
	for i := range users {
		users[i] = "user-" + string(rune('a'+i%26)) + string(rune('0'+i/10)) + string(rune('0'+i%10))
	}
	res, err := f.svc.SendBulk(ctx, notify.BulkRequest{
		UserIDs:   users,
		Channels:  []notify.Channel{notify.ChannelSMS},
		Message:   "m",
		BatchSize: 10,
	})
	if err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if res.Sent != 25 {
		t.Fatalf("Sent = %d, want every user across batches", res.Sent)
	}
	if f.sms.count() != 25 {
		t.Fatalf("provider calls = %d", f.sms.count())
	}
}

func TestSendBulkCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.svc.SendBulk(ctx, notify.BulkRequest{
		UserIDs:  []string{"u1", "u2"},
		Channels: []notify.Channel{notify.ChannelEmail},
		Message:  "m",
	})
	if err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if res.Sent != 0 {
		t.Fatalf("Sent = %d after pre-cancelled ctx", res.Sent)
	}
	if f.email.count() != 0 {
		t.Fatal("cancelled job must not schedule deliveries")
	}
}

func TestStatusUnknownID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})

	outs, err := f.svc.Status(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(outs) != 1 || outs[0].Status != notify.StatusUnknown {
		t.Fatalf("outs = %+v, want single unknown", outs)
	}
}

func TestRetryOnlyFailedChannels(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	ctx := context.Background()

	f.email.setFail(errors.New("smtp down"))
	req := literalReq("u1")
	req.ID = "r1"
	if err := f.svc.Send(ctx, req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if f.sms.count() != 1 {
		t.Fatalf("sms calls = %d", f.sms.count())
	}

	f.email.setFail(nil)
	if err := f.svc.Retry(ctx, "r1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if f.email.count() != 1 {
		t.Fatalf("email calls after retry = %d, want 1", f.email.count())
	}
	if f.sms.count() != 1 {
		t.Fatal("retry must not re-send channels that succeeded")
	}

	outs, _ := f.svc.Status(ctx, "r1")
	if outcomeFor(t, outs, notify.ChannelEmail).Status != notify.StatusSent {
		t.Fatal("email outcome not updated after successful retry")
	}

	// Nothing left to retry: no further provider calls.
	if err := f.svc.Retry(ctx, "r1"); err != nil {
		t.Fatalf("second Retry: %v", err)
	}
	if f.email.count() != 1 || f.sms.count() != 1 {
		t.Fatal("no-op retry must not touch providers")
	}
}

func TestRetryUnknownID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	if err := f.svc.Retry(context.Background(), "never-seen"); err != nil {
		t.Fatalf("Retry on unknown id must be a no-op, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := literalReq("u1")
		if err := f.svc.Send(ctx, req); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := f.svc.Send(ctx, literalReq("other")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	hist, err := f.svc.History(ctx, "u1", 4)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("len(hist) = %d, want limit hit", len(hist))
	}
	for _, o := range hist {
		if o.UserID != "u1" {
			t.Fatalf("history leaked another user's outcome: %+v", o)
		}
	}
}

func TestScheduleDueNowSendsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})

	sreq := notify.ScheduledRequest{
		Request:     literalReq("u1"),
		ScheduledAt: time.Now().Add(-time.Second),
	}
	if err := f.svc.Schedule(context.Background(), sreq); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if f.email.count() != 1 {
		t.Fatal("past-due schedule must dispatch immediately")
	}
}

type fakeDeferrer struct {
	mu       sync.Mutex
	deferred []notify.ScheduledRequest
}

func (d *fakeDeferrer) Defer(sreq notify.ScheduledRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deferred = append(d.deferred, sreq)
	return nil
}

func (d *fakeDeferrer) CancelDeferred(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.deferred {
		if s.ID == id {
			d.deferred = append(d.deferred[:i], d.deferred[i+1:]...)
			return true
		}
	}
	return false
}

func TestScheduleFutureDefers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.DispatcherConfig{})
	def := &fakeDeferrer{}
	f.svc.SetDeferrer(def)

	sreq := notify.ScheduledRequest{
		Request:     literalReq("u1"),
		ScheduledAt: time.Now().Add(time.Hour),
	}
	sreq.ID = "r-future"
	if err := f.svc.Schedule(context.Background(), sreq); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if f.email.count() != 0 {
		t.Fatal("future schedule must not dispatch synchronously")
	}
	if len(def.deferred) != 1 {
		t.Fatalf("deferred = %d", len(def.deferred))
	}

	if !f.svc.Cancel("r-future") {
		t.Fatal("Cancel must stop a deferred request")
	}
	if f.svc.Cancel("r-future") {
		t.Fatal("second Cancel must report nothing to do")
	}
}
