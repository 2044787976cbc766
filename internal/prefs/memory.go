package prefs

import (
	"context"
	"strings"
	"sync"
	"time"

	"notifyd/internal/notify"
)

// MemoryStore is the reference in-process Store. All records live in one
// mutex-guarded map; every read hands out a deep copy.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*Preferences

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: map[string]*Preferences{},
		now:   time.Now,
	}
}

// getOrCreateLocked lazily materializes the default record.
// Callers must hold mu for writing.
func (s *MemoryStore) getOrCreateLocked(userID string) *Preferences {
	if p, ok := s.users[userID]; ok {
		return p
	}
	p := Defaults(userID)
	p.UpdatedAt = s.now()
	s.users[userID] = &p
	return &p
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Preferences, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Preferences{}, &notify.ValidationError{Field: "user_id", Reason: "required"}
	}

	s.mu.RLock()
	p, ok := s.users[userID]
	if ok {
		cp := p.Clone()
		s.mu.RUnlock()
		return cp, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	cp := s.getOrCreateLocked(userID).Clone()
	s.mu.Unlock()
	return cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, p Preferences) error {
	if strings.TrimSpace(p.UserID) == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}
	cp := p.Clone()
	cp.UpdatedAt = s.now()
	if cp.Channels == nil {
		cp.Channels = Defaults(cp.UserID).Channels
	}

	s.mu.Lock()
	s.users[cp.UserID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}
	p := Defaults(userID)
	p.UpdatedAt = s.now()

	s.mu.Lock()
	s.users[userID] = &p
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) BulkUpdate(ctx context.Context, ps []Preferences) error {
	for i := range ps {
		if err := s.Update(ctx, ps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) OptOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) error {
	return s.setOpt(userID, t, c, false)
}

func (s *MemoryStore) OptIn(ctx context.Context, userID string, t notify.Type, c notify.Channel) error {
	return s.setOpt(userID, t, c, true)
}

func (s *MemoryStore) setOpt(userID string, t notify.Type, c notify.Channel, enabled bool) error {
	if !c.Valid() {
		return &notify.ValidationError{Field: "channel", Reason: "unknown channel " + string(c)}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}

	s.mu.Lock()
	p := s.getOrCreateLocked(userID)
	SetTypePref(p, t, c, enabled)
	p.UpdatedAt = s.now()
	s.mu.Unlock()
	return nil
}

// IsOptedOut reports whether the effective toggle for (type, channel) is
// off — via an explicit type override or the global toggle.
func (s *MemoryStore) IsOptedOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) (bool, error) {
	if !c.Valid() {
		return false, &notify.ValidationError{Field: "channel", Reason: "unknown channel " + string(c)}
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return !p.ChannelEnabled(t, c), nil
}

func (s *MemoryStore) SetDoNotDisturb(ctx context.Context, userID string, on bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}

	s.mu.Lock()
	p := s.getOrCreateLocked(userID)
	p.DoNotDisturb = on
	p.UpdatedAt = s.now()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetQuietHours(ctx context.Context, userID string, start, end *ClockTime) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}

	s.mu.Lock()
	p := s.getOrCreateLocked(userID)
	p.QuietStart = start
	p.QuietEnd = end
	p.UpdatedAt = s.now()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Export(ctx context.Context, userID string) (map[string]any, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ExportRecord(p), nil
}

func (s *MemoryStore) Import(ctx context.Context, userID string, fields map[string]any) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}

	s.mu.Lock()
	p := s.getOrCreateLocked(userID)
	ApplyImport(p, fields)
	p.UpdatedAt = s.now()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByLanguage: map[string]int{},
		ByTimezone: map[string]int{},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.TotalUsers = len(s.users)
	for _, p := range s.users {
		st.ByLanguage[p.Language]++
		st.ByTimezone[p.Timezone]++
		if p.DoNotDisturb {
			st.DoNotDisturbUsers++
		}
		if p.QuietStart != nil && p.QuietEnd != nil {
			st.QuietHoursUsers++
		}
	}
	return st, nil
}
