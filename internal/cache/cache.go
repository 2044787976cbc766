// Package cache is an optional redis read-through layer in front of the
// preference store. Cached records expire after the configured TTL and
// every write invalidates the user's key, so a cold or unreachable redis
// only costs the extra round trip, never correctness.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"notifyd/internal/config"
	"notifyd/internal/notify"
	"notifyd/internal/prefs"
	"notifyd/pkg/logx"
)

const keyPrefix = "notifyd:prefs:"

// Client is the slice of the redis API the cache needs. *redis.Client
// satisfies it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Store decorates an inner prefs.Store with a redis cache for Get.
// All other reads and every write go straight to the inner store.
type Store struct {
	inner prefs.Store
	rdb   Client
	ttl   time.Duration
	log   logx.Logger
}

// Wrap returns the inner store untouched when the cache is disabled.
func Wrap(cfg *config.CacheConfig, inner prefs.Store, log logx.Logger) prefs.Store {
	if cfg == nil || !cfg.Enabled {
		return inner
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	return New(inner, rdb, config.DurationOr("cache.ttl", cfg.TTL, 5*time.Minute), log)
}

func New(inner prefs.Store, rdb Client, ttl time.Duration, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

func key(userID string) string { return keyPrefix + userID }

func (s *Store) Get(ctx context.Context, userID string) (prefs.Preferences, error) {
	raw, err := s.rdb.Get(ctx, key(userID)).Bytes()
	if err == nil {
		var p prefs.Preferences
		if jerr := json.Unmarshal(raw, &p); jerr == nil && p.UserID == userID {
			return p, nil
		}
		// A corrupt entry is dropped and refetched.
		s.rdb.Del(ctx, key(userID))
	} else if err != redis.Nil {
		s.log.Debug("prefs cache read failed", logx.String("user", userID), logx.Err(err))
	}

	p, err := s.inner.Get(ctx, userID)
	if err != nil {
		return prefs.Preferences{}, err
	}
	if raw, jerr := json.Marshal(p); jerr == nil {
		if serr := s.rdb.Set(ctx, key(userID), raw, s.ttl).Err(); serr != nil {
			s.log.Debug("prefs cache write failed", logx.String("user", userID), logx.Err(serr))
		}
	}
	return p, nil
}

func (s *Store) invalidate(ctx context.Context, userIDs ...string) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = key(id)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.log.Warn("prefs cache invalidation failed", logx.Err(err))
	}
}

func (s *Store) Update(ctx context.Context, p prefs.Preferences) error {
	if err := s.inner.Update(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, p.UserID)
	return nil
}

func (s *Store) Reset(ctx context.Context, userID string) error {
	if err := s.inner.Reset(ctx, userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Store) BulkUpdate(ctx context.Context, ps []prefs.Preferences) error {
	if err := s.inner.BulkUpdate(ctx, ps); err != nil {
		return err
	}
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.UserID
	}
	if len(ids) > 0 {
		s.invalidate(ctx, ids...)
	}
	return nil
}

func (s *Store) OptOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) error {
	if err := s.inner.OptOut(ctx, userID, t, c); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Store) OptIn(ctx context.Context, userID string, t notify.Type, c notify.Channel) error {
	if err := s.inner.OptIn(ctx, userID, t, c); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Store) IsOptedOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) (bool, error) {
	return s.inner.IsOptedOut(ctx, userID, t, c)
}

func (s *Store) SetDoNotDisturb(ctx context.Context, userID string, on bool) error {
	if err := s.inner.SetDoNotDisturb(ctx, userID, on); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Store) SetQuietHours(ctx context.Context, userID string, start, end *prefs.ClockTime) error {
	if err := s.inner.SetQuietHours(ctx, userID, start, end); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Store) Export(ctx context.Context, userID string) (map[string]any, error) {
	return s.inner.Export(ctx, userID)
}

func (s *Store) Import(ctx context.Context, userID string, fields map[string]any) error {
	if err := s.inner.Import(ctx, userID, fields); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Store) Stats(ctx context.Context) (prefs.Stats, error) {
	return s.inner.Stats(ctx)
}

// Close releases the redis connection pool.
func (s *Store) Close() error { return s.rdb.Close() }
