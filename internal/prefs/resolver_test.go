package prefs

import (
	"context"
	"testing"
	"time"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

func newTestResolver(t *testing.T) (*Resolver, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewResolver(store, logx.Nop()), store
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	r, _ := newTestResolver(t)

	res, err := r.Resolve(context.Background(), "u1", notify.TypeWelcome,
		[]notify.Channel{notify.ChannelEmail, notify.ChannelSMS}, notify.PriorityNormal, time.Now())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skipped() {
		t.Fatalf("unexpected skip: %s", res.Skip)
	}
	if len(res.Allowed) != 2 || res.Allowed[0] != notify.ChannelEmail || res.Allowed[1] != notify.ChannelSMS {
		t.Fatalf("Allowed = %v, want [email sms]", res.Allowed)
	}
}

func TestResolveWebhookDisabledByDefault(t *testing.T) {
	t.Parallel()
	r, _ := newTestResolver(t)

	res, err := r.Resolve(context.Background(), "u1", notify.TypeWelcome,
		[]notify.Channel{notify.ChannelWebhook}, notify.PriorityNormal, time.Now())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skip != notify.SkipChannelsDisabled {
		t.Fatalf("Skip = %q, want %q", res.Skip, notify.SkipChannelsDisabled)
	}
}

func TestResolveDoNotDisturb(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	ctx := context.Background()

	if err := store.SetDoNotDisturb(ctx, "u1", true); err != nil {
		t.Fatalf("SetDoNotDisturb: %v", err)
	}

	res, err := r.Resolve(ctx, "u1", notify.TypeAccountAlert,
		[]notify.Channel{notify.ChannelEmail}, notify.PriorityHigh, time.Now())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skip != notify.SkipDND {
		t.Fatalf("Skip = %q, want %q", res.Skip, notify.SkipDND)
	}

	// Critical is the sole override path.
	res, err = r.Resolve(ctx, "u1", notify.TypeSecurityAlert,
		[]notify.Channel{notify.ChannelEmail}, notify.PriorityCritical, time.Now())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skipped() {
		t.Fatalf("critical priority must bypass DND, got skip %q", res.Skip)
	}
	if len(res.Allowed) != 1 || res.Allowed[0] != notify.ChannelEmail {
		t.Fatalf("Allowed = %v, want [email]", res.Allowed)
	}
}

func TestResolveQuietHours(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	ctx := context.Background()

	if err := store.SetQuietHours(ctx, "u1", clock(23, 0), clock(6, 0)); err != nil {
		t.Fatalf("SetQuietHours: %v", err)
	}

	inside := at(2, 0)
	outside := at(12, 0)

	res, err := r.Resolve(ctx, "u1", notify.TypeNewsletter,
		[]notify.Channel{notify.ChannelPush}, notify.PriorityNormal, inside)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skip != notify.SkipQuietHours {
		t.Fatalf("Skip = %q, want %q", res.Skip, notify.SkipQuietHours)
	}

	res, err = r.Resolve(ctx, "u1", notify.TypeNewsletter,
		[]notify.Channel{notify.ChannelPush}, notify.PriorityNormal, outside)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skipped() {
		t.Fatalf("unexpected skip outside window: %q", res.Skip)
	}

	// Critical bypasses quiet hours too.
	res, err = r.Resolve(ctx, "u1", notify.TypeSecurityAlert,
		[]notify.Channel{notify.ChannelPush}, notify.PriorityCritical, inside)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skipped() {
		t.Fatalf("critical priority must bypass quiet hours, got skip %q", res.Skip)
	}
}

func TestResolveQuietHoursUserTimezone(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	ctx := context.Background()

	p, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Timezone = "Asia/Jakarta" // UTC+7
	p.QuietStart = clock(23, 0)
	p.QuietEnd = clock(6, 0)
	if err := store.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// 17:00 UTC is 00:00 in Jakarta: inside the window.
	res, err := r.Resolve(ctx, "u1", notify.TypeNewsletter,
		[]notify.Channel{notify.ChannelEmail}, notify.PriorityNormal, at(17, 0))
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Skip != notify.SkipQuietHours {
		t.Fatalf("Skip = %q, want %q (quiet hours evaluated in user tz)", res.Skip, notify.SkipQuietHours)
	}
}

func TestResolveTypeOverrideBeatsGlobal(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	ctx := context.Background()

	// Disable a globally-enabled channel for one type.
	if err := store.OptOut(ctx, "u1", notify.TypePromotion, notify.ChannelEmail); err != nil {
		t.Fatalf("OptOut: %v", err)
	}
	// Enable the globally-disabled webhook channel for another type.
	if err := store.OptIn(ctx, "u1", notify.TypeSecurityAlert, notify.ChannelWebhook); err != nil {
		t.Fatalf("OptIn: %v", err)
	}

	res, err := r.Resolve(ctx, "u1", notify.TypePromotion,
		[]notify.Channel{notify.ChannelEmail, notify.ChannelSMS}, notify.PriorityNormal, time.Now())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(res.Allowed) != 1 || res.Allowed[0] != notify.ChannelSMS {
		t.Fatalf("Allowed = %v, want [sms] (email opted out for promotions)", res.Allowed)
	}

	res, err = r.Resolve(ctx, "u1", notify.TypeSecurityAlert,
		[]notify.Channel{notify.ChannelWebhook}, notify.PriorityNormal, time.Now())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(res.Allowed) != 1 || res.Allowed[0] != notify.ChannelWebhook {
		t.Fatalf("Allowed = %v, want [webhook] (opt-in overrides global off)", res.Allowed)
	}

	// Other types are unaffected by the promotion override.
	res, err = r.Resolve(ctx, "u1", notify.TypeWelcome,
		[]notify.Channel{notify.ChannelEmail}, notify.PriorityNormal, time.Now())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(res.Allowed) != 1 {
		t.Fatalf("Allowed = %v, want [email] for unrelated type", res.Allowed)
	}
}

func TestResolveUnknownChannel(t *testing.T) {
	t.Parallel()
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "u1", notify.TypeWelcome,
		[]notify.Channel{"pigeon"}, notify.PriorityNormal, time.Now())
	if err == nil {
		t.Fatal("expected validation error for unknown channel")
	}
	if !notify.IsValidation(err) {
		t.Fatalf("error %v is not a ValidationError", err)
	}
}

func TestResolveDoesNotMutatePreferences(t *testing.T) {
	t.Parallel()
	r, store := newTestResolver(t)
	ctx := context.Background()

	before, err := store.Export(ctx, "u1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := r.Resolve(ctx, "u1", notify.TypeWelcome,
		[]notify.Channel{notify.ChannelEmail}, notify.PriorityNormal, time.Now()); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	after, err := store.Export(ctx, "u1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	for _, k := range []string{"email_enabled", "do_not_disturb", "quiet_hours_start", "language", "timezone"} {
		if before[k] != after[k] {
			t.Fatalf("field %q changed across Resolve: %v -> %v", k, before[k], after[k])
		}
	}
}
