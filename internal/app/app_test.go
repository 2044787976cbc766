package app

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"notifyd/internal/config"
	"notifyd/internal/notify"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
  "logging": {"level": "error", "console": false},
  "dispatcher": {"workers": 2},
  "scheduler": {"enabled": true, "timezone": "UTC"},
  "providers": {
    "email": {"dry_run": true},
    "sms": {"dry_run": true}
  }
}`

func TestAppLifecycle(t *testing.T) {
	a, err := NewApp(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = a.Dispatcher().Send(ctx, notify.Request{
		ID:       "boot-1",
		UserID:   "u1",
		Type:     notify.TypeAccountAlert,
		Channels: []notify.Channel{notify.ChannelInApp},
		Subject:  "s",
		Message:  "m",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	outs, err := a.Dispatcher().Status(ctx, "boot-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(outs) != 1 || outs[0].Status != notify.StatusSent {
		t.Fatalf("outcomes = %+v", outs)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppSqliteBackend(t *testing.T) {
	dir := t.TempDir()
	cfgBody := `{
  "logging": {"level": "error"},
  "dispatcher": {},
  "scheduler": {"enabled": false},
  "storage": {"driver": "sqlite", "path": ` + strconv.Quote(filepath.Join(dir, "notifyd.db")) + `},
  "providers": {}
}`
	a, err := NewApp(writeConfig(t, cfgBody))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if a.db == nil {
		t.Fatal("sqlite backend not opened")
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{"defaults", func(c *config.Config) {}, false},
		{"negative workers", func(c *config.Config) { c.Dispatcher.Workers = -1 }, true},
		{"negative rate", func(c *config.Config) { c.Dispatcher.RatePerSec = -1 }, true},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, true},
		{"good timezone", func(c *config.Config) { c.Scheduler.Timezone = "Asia/Jakarta" }, false},
		{"bad http timeout", func(c *config.Config) { c.HTTP.ReadTimeout = "soon" }, true},
		{"bad cache ttl", func(c *config.Config) { c.Cache = &config.CacheConfig{TTL: "never"} }, true},
		{"bad busy timeout", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "later"}
		}, true},
		{"good recurring", func(c *config.Config) {
			c.Scheduler.Recurring = []config.RecurringSchedule{{
				Name: "digest", Cron: "0 9 * * MON", UserID: "u1",
				Type: "newsletter", Channels: []string{"email"}, Message: "m",
			}}
		}, false},
		{"bad recurring cron", func(c *config.Config) {
			c.Scheduler.Recurring = []config.RecurringSchedule{{
				Name: "digest", Cron: "whenever", UserID: "u1",
				Type: "newsletter", Channels: []string{"email"}, Message: "m",
			}}
		}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
