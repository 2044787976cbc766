package scheduler

import (
	"testing"

	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

func TestValidateRecurring(t *testing.T) {
	t.Parallel()

	good := config.RecurringSchedule{
		Name:     "weekly-digest",
		Cron:     "0 9 * * MON",
		UserID:   "u1",
		Type:     "newsletter",
		Channels: []string{"email"},
		Message:  "digest",
	}

	cases := []struct {
		name    string
		mutate  func(*config.RecurringSchedule)
		wantErr bool
	}{
		{name: "valid", mutate: func(rs *config.RecurringSchedule) {}},
		{name: "descriptor spec", mutate: func(rs *config.RecurringSchedule) { rs.Cron = "@daily" }},
		{name: "bad cron", mutate: func(rs *config.RecurringSchedule) { rs.Cron = "every tuesday" }, wantErr: true},
		{name: "missing user", mutate: func(rs *config.RecurringSchedule) { rs.UserID = " " }, wantErr: true},
		{name: "missing type", mutate: func(rs *config.RecurringSchedule) { rs.Type = "" }, wantErr: true},
		{name: "no channels", mutate: func(rs *config.RecurringSchedule) { rs.Channels = nil }, wantErr: true},
		{name: "unknown channel", mutate: func(rs *config.RecurringSchedule) { rs.Channels = []string{"fax"} }, wantErr: true},
		{name: "unknown priority", mutate: func(rs *config.RecurringSchedule) { rs.Priority = "urgent-ish" }, wantErr: true},
		{name: "template key instead of message", mutate: func(rs *config.RecurringSchedule) {
			rs.Message = ""
			rs.TemplateKey = "digest.weekly"
		}},
		{name: "no body at all", mutate: func(rs *config.RecurringSchedule) { rs.Message = "" }, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rs := good
			tc.mutate(&rs)
			err := ValidateRecurring(rs)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("ValidateRecurring: %v", err)
			}
		})
	}
}

func TestRegisterConfigured(t *testing.T) {
	t.Parallel()

	s := New(config.SchedulerConfig{Enabled: true}, newCaptureSender(), eventbus.New(), logx.Nop())
	err := s.RegisterConfigured([]config.RecurringSchedule{
		{Name: "digest", Cron: "0 9 * * MON", UserID: "u1", Type: "newsletter",
			Channels: []string{"email", "inapp"}, TemplateKey: "digest.weekly"},
		{Name: "maint", Cron: "@monthly", UserID: "ops", Type: "system_maintenance",
			Channels: []string{"webhook"}, Priority: "high", Message: "window opens"},
	})
	if err != nil {
		t.Fatalf("RegisterConfigured: %v", err)
	}
	s.mu.Lock()
	defs := len(s.defs)
	s.mu.Unlock()
	if defs != 2 {
		t.Fatalf("registered %d schedules, want 2", defs)
	}

	err = s.RegisterConfigured([]config.RecurringSchedule{
		{Name: "broken", Cron: "0 9 * * MON", UserID: "", Type: "newsletter",
			Channels: []string{"email"}, Message: "m"},
	})
	if err == nil {
		t.Fatal("expected error for missing user_id")
	}
}

func TestRequestFromConfigDefaults(t *testing.T) {
	t.Parallel()

	req, err := requestFromConfig(config.RecurringSchedule{
		UserID:   "u1",
		Type:     "newsletter",
		Channels: []string{"Email"},
		Message:  "hi",
	})
	if err != nil {
		t.Fatalf("requestFromConfig: %v", err)
	}
	if req.Priority != notify.PriorityNormal {
		t.Fatalf("priority = %s, want normal default", req.Priority)
	}
	if len(req.Channels) != 1 || req.Channels[0] != notify.ChannelEmail {
		t.Fatalf("channels = %v, want normalized [email]", req.Channels)
	}
}
