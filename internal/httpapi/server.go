// Package httpapi exposes the dispatch core over a small JSON API. It
// is an operational surface for other services, not a dashboard.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

// Server manages lifecycle for the API listener. Apply starts or stops
// it according to config, so the service can be toggled at runtime.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	deps Deps
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log, deps: deps}
}

// Addr returns the bound address, or "" when the server is stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Apply starts, restarts, or stops the listener to match cfg.
func (s *Server) Apply(ctx context.Context, cfg config.HTTPConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	if s.srv != nil && s.addr == addr {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(addr, cfg)
}

func (s *Server) startLocked(addr string, cfg config.HTTPConfig) error {
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopback(addr) {
		return errors.New("http: refusing to bind " + addr + " without a token; set a token or allow_insecure")
	}

	handler := s.deps.router(s.log)
	if cfg.Token != "" {
		handler = tokenAuth(cfg.Token, handler)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  config.DurationOr("http.read_timeout", cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: config.DurationOr("http.write_timeout", cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  config.DurationOr("http.idle_timeout", cfg.IdleTimeout, time.Minute),
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("api server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("api stopped", logx.String("addr", addr))
}

// tokenAuth requires a bearer token on everything except the health
// probe.
func tokenAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
