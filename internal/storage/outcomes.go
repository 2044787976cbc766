package storage

import (
	"context"
	"database/sql"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/notify"
)

// OutcomeStore persists delivery outcomes. One row per (request,
// channel); recording again replaces the row.
type OutcomeStore struct {
	db *sql.DB
}

var _ dispatch.OutcomeStore = (*OutcomeStore)(nil)

func (s *OutcomeStore) Record(ctx context.Context, o notify.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(request_id, channel, user_id, status, error, at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(request_id, channel) DO UPDATE SET
		   status=excluded.status, error=excluded.error, at=excluded.at`,
		o.RequestID, string(o.Channel), o.UserID, string(o.Status), nullStr(o.Error),
		o.At.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *OutcomeStore) ByRequest(ctx context.Context, requestID string) ([]notify.Outcome, error) {
	return s.query(ctx,
		`SELECT request_id, channel, user_id, status, error, at
		 FROM outcomes WHERE request_id = ? ORDER BY channel`, requestID)
}

func (s *OutcomeStore) ByUser(ctx context.Context, userID string, limit int) ([]notify.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT request_id, channel, user_id, status, error, at
		 FROM outcomes WHERE user_id = ? ORDER BY at DESC LIMIT ?`, userID, limit)
}

func (s *OutcomeStore) query(ctx context.Context, q string, args ...any) ([]notify.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Outcome
	for rows.Next() {
		var o notify.Outcome
		var channel, status, at string
		var errStr sql.NullString
		if err := rows.Scan(&o.RequestID, &channel, &o.UserID, &status, &errStr, &at); err != nil {
			return nil, err
		}
		o.Channel = notify.Channel(channel)
		o.Status = notify.Status(status)
		o.Error = errStr.String
		if ts, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			o.At = ts
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
