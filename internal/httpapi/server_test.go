package httpapi

import (
	"context"
	"net/http"
	"testing"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

func applyTestServer(t *testing.T, cfg config.HTTPConfig) *Server {
	t.Helper()
	f := newFixture(t)
	s := NewServer(Deps{
		Dispatcher: f.svc,
		Prefs:      f.prefs,
		Templates:  f.tpls,
		Renderer:   nil,
		Providers:  nil,
	}, logx.Nop())
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := applyTestServer(t, config.HTTPConfig{Enabled: true, Addr: "127.0.0.1:0"})

	addr := s.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	s.Stop(context.Background())
	if s.Addr() != "" {
		t.Fatal("address still set after stop")
	}
}

func TestServerTokenAuth(t *testing.T) {
	t.Parallel()
	s := applyTestServer(t, config.HTTPConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})

	url := "http://" + s.Addr() + "/v1/templates/"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token = %d, want 200", resp.StatusCode)
	}

	// The health probe stays open for process supervisors.
	resp, err = http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz with auth enabled = %d", resp.StatusCode)
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewServer(Deps{Dispatcher: f.svc, Prefs: f.prefs, Templates: f.tpls}, logx.Nop())

	err := s.Apply(context.Background(), config.HTTPConfig{Enabled: true, Addr: "0.0.0.0:0"})
	if err == nil {
		s.Stop(context.Background())
		t.Fatal("expected refusal for tokenless non-loopback bind")
	}

	err = s.Apply(context.Background(), config.HTTPConfig{
		Enabled: true, Addr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("loopback bind refused: %v", err)
	}
	s.Stop(context.Background())
}

func TestServerDisabledConfigStops(t *testing.T) {
	t.Parallel()
	s := applyTestServer(t, config.HTTPConfig{Enabled: true, Addr: "127.0.0.1:0"})
	if err := s.Apply(context.Background(), config.HTTPConfig{Enabled: false}); err != nil {
		t.Fatalf("Apply disabled: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("server still bound after disable")
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:8080", true},
		{"[::1]:8080", true},
		{"0.0.0.0:8080", false},
		{"192.168.1.5:8080", false},
		{"no-port", false},
	}
	for _, tc := range cases {
		if got := isLoopback(tc.addr); got != tc.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
