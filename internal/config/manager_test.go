package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseStrict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		file    string
		body    string
		wantErr bool
	}{
		{
			name: "minimal json",
			file: "config.json",
			body: `{"logging": {"level": "info"}}`,
		},
		{
			name:    "unknown field rejected",
			file:    "config.json",
			body:    `{"logging": {"level": "info"}, "bogus": true}`,
			wantErr: true,
		},
		{
			name:    "trailing data rejected",
			file:    "config.json",
			body:    `{"logging": {"level": "info"}} {"again": 1}`,
			wantErr: true,
		},
		{
			name: "yaml coerced to strict json",
			file: "config.yaml",
			body: "logging:\n  level: debug\ndispatcher:\n  workers: 3\n",
		},
		{
			name:    "yaml unknown field rejected",
			file:    "config.yaml",
			body:    "logging:\n  level: debug\nbogus: true\n",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tc.file, tc.body))
			cfg, err := m.Parse()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse() = %+v, want error", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(): %v", err)
			}
			if cfg == nil {
				t.Fatal("Parse() returned nil config without error")
			}
		})
	}
}

func TestParseYAMLValues(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "config.yaml", "dispatcher:\n  workers: 5\nscheduler:\n  enabled: true\n  timezone: UTC\n")
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse(): %v", err)
	}
	if cfg.Dispatcher.Workers != 5 {
		t.Fatalf("Workers = %d, want 5", cfg.Dispatcher.Workers)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("scheduler = %+v, want enabled UTC", cfg.Scheduler)
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty is zero", raw: "", want: 0},
		{name: "valid", raw: "1m30s", want: 90 * time.Second},
		{name: "garbage", raw: "soon", wantErr: true},
		{name: "negative", raw: "-5s", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, err := ParseDurationField("test.field", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q) = %v, want error", tc.raw, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tc.raw, err)
			}
			if d != tc.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, d, tc.want)
			}
		})
	}

	if d, err := ParseDurationOrDefault("test.field", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationOrDefault empty = (%v, %v), want default", d, err)
	}
	if d := DurationOr("test.field", "nope", 10*time.Second); d != 10*time.Second {
		t.Fatalf("DurationOr malformed = %v, want fallback", d)
	}
	if d := DurationOr("test.field", "2s", 10*time.Second); d != 2*time.Second {
		t.Fatalf("DurationOr valid = %v, want 2s", d)
	}
}

func TestHashConfigChangeDetection(t *testing.T) {
	t.Parallel()

	if got := hashBytes(nil); got != 0 {
		t.Fatalf("hashBytes(nil) = %d, want 0", got)
	}
	if hashBytes([]byte("a")) == hashBytes([]byte("b")) {
		t.Fatal("hashBytes collides on trivially different input")
	}
	if got := hashConfig(nil); got != 0 {
		t.Fatalf("hashConfig(nil) = %d, want 0", got)
	}

	a := &Config{}
	a.Dispatcher.Workers = 4
	b := &Config{}
	b.Dispatcher.Workers = 4
	if hashConfig(a) != hashConfig(b) {
		t.Fatal("equal configs hash differently")
	}
	b.Dispatcher.Workers = 8
	if hashConfig(a) == hashConfig(b) {
		t.Fatal("different configs hash identically")
	}

	// Commit records the hash so Watch can skip redundant reloads.
	m := NewConfigManager("unused")
	m.Commit(a)
	if m.lastHash != hashConfig(a) {
		t.Fatalf("lastHash = %d, want %d", m.lastHash, hashConfig(a))
	}
}

func TestSubscribePublishDrop(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)

	first := &Config{}
	first.Dispatcher.Workers = 1
	second := &Config{}
	second.Dispatcher.Workers = 2

	// Slow subscriber: with a full buffer the oldest update is dropped
	// and the newest delivered.
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got.Dispatcher.Workers != 2 {
			t.Fatalf("got workers %d, want latest (2)", got.Dispatcher.Workers)
		}
	default:
		t.Fatal("no config delivered")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
	// Publishing after Unsubscribe must not panic.
	m.publish(first)
	// Double Unsubscribe is a no-op.
	m.Unsubscribe(ch)
}
