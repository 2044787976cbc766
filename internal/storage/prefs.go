package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/prefs"
)

// PrefStore persists preference records as one JSON document per user.
// Writes are last-write-wins on the whole record, matching the
// in-memory store.
type PrefStore struct {
	db *sql.DB
}

var _ prefs.Store = (*PrefStore)(nil)

func (s *PrefStore) Get(ctx context.Context, userID string) (prefs.Preferences, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return prefs.Preferences{}, &notify.ValidationError{Field: "user_id", Reason: "required"}
	}

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM user_prefs WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		p := prefs.Defaults(userID)
		p.UpdatedAt = time.Now()
		if err := s.save(ctx, p); err != nil {
			return prefs.Preferences{}, err
		}
		return p, nil
	}
	if err != nil {
		return prefs.Preferences{}, err
	}

	var p prefs.Preferences
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return prefs.Preferences{}, err
	}
	return p, nil
}

func (s *PrefStore) Update(ctx context.Context, p prefs.Preferences) error {
	if strings.TrimSpace(p.UserID) == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}
	if p.Channels == nil {
		p.Channels = prefs.Defaults(p.UserID).Channels
	}
	p.UpdatedAt = time.Now()
	return s.save(ctx, p)
}

func (s *PrefStore) Reset(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &notify.ValidationError{Field: "user_id", Reason: "required"}
	}
	p := prefs.Defaults(userID)
	p.UpdatedAt = time.Now()
	return s.save(ctx, p)
}

func (s *PrefStore) BulkUpdate(ctx context.Context, ps []prefs.Preferences) error {
	for i := range ps {
		if err := s.Update(ctx, ps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PrefStore) OptOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) error {
	return s.setOpt(ctx, userID, t, c, false)
}

func (s *PrefStore) OptIn(ctx context.Context, userID string, t notify.Type, c notify.Channel) error {
	return s.setOpt(ctx, userID, t, c, true)
}

func (s *PrefStore) setOpt(ctx context.Context, userID string, t notify.Type, c notify.Channel, enabled bool) error {
	if !c.Valid() {
		return &notify.ValidationError{Field: "channel", Reason: "unknown channel " + string(c)}
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	prefs.SetTypePref(&p, t, c, enabled)
	return s.Update(ctx, p)
}

func (s *PrefStore) IsOptedOut(ctx context.Context, userID string, t notify.Type, c notify.Channel) (bool, error) {
	if !c.Valid() {
		return false, &notify.ValidationError{Field: "channel", Reason: "unknown channel " + string(c)}
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return !p.ChannelEnabled(t, c), nil
}

func (s *PrefStore) SetDoNotDisturb(ctx context.Context, userID string, on bool) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	p.DoNotDisturb = on
	return s.Update(ctx, p)
}

func (s *PrefStore) SetQuietHours(ctx context.Context, userID string, start, end *prefs.ClockTime) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	p.QuietStart = start
	p.QuietEnd = end
	return s.Update(ctx, p)
}

func (s *PrefStore) Export(ctx context.Context, userID string) (map[string]any, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return prefs.ExportRecord(p), nil
}

func (s *PrefStore) Import(ctx context.Context, userID string, fields map[string]any) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	prefs.ApplyImport(&p, fields)
	return s.Update(ctx, p)
}

func (s *PrefStore) Stats(ctx context.Context) (prefs.Stats, error) {
	st := prefs.Stats{
		ByLanguage: map[string]int{},
		ByTimezone: map[string]int{},
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM user_prefs`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return st, err
		}
		var p prefs.Preferences
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			continue
		}
		st.TotalUsers++
		st.ByLanguage[p.Language]++
		st.ByTimezone[p.Timezone]++
		if p.DoNotDisturb {
			st.DoNotDisturbUsers++
		}
		if p.QuietStart != nil && p.QuietEnd != nil {
			st.QuietHoursUsers++
		}
	}
	return st, rows.Err()
}

func (s *PrefStore) save(ctx context.Context, p prefs.Preferences) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_prefs(user_id, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		p.UserID, string(doc), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}
