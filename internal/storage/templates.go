package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/template"
)

// TemplateStore persists template variants as JSON documents keyed by
// (key, language).
type TemplateStore struct {
	db *sql.DB
}

var _ template.Store = (*TemplateStore)(nil)

func (s *TemplateStore) Get(ctx context.Context, key, language string) (template.Template, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM templates WHERE key = ? AND language = ?`, key, language).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return template.Template{}, template.ErrTemplateNotFound
	}
	if err != nil {
		return template.Template{}, err
	}
	var t template.Template
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return template.Template{}, err
	}
	return t, nil
}

func (s *TemplateStore) CreateOrUpdate(ctx context.Context, t template.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	return s.save(ctx, t)
}

func (s *TemplateStore) Delete(ctx context.Context, key, language string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM templates WHERE key = ? AND language = ?`, key, language)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return template.ErrTemplateNotFound
	}
	return nil
}

func (s *TemplateStore) ListAll(ctx context.Context) ([]template.Template, error) {
	return s.list(ctx, `SELECT doc FROM templates ORDER BY key, language`)
}

func (s *TemplateStore) ListByKey(ctx context.Context, key string) ([]template.Template, error) {
	out, err := s.list(ctx, `SELECT doc FROM templates WHERE key = ? ORDER BY language`, key)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, template.ErrTemplateNotFound
	}
	return out, nil
}

func (s *TemplateStore) Languages(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT language FROM templates WHERE key = ? ORDER BY language`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var langs []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		langs = append(langs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(langs) == 0 {
		return nil, template.ErrTemplateNotFound
	}
	return langs, nil
}

func (s *TemplateStore) Clone(ctx context.Context, key, fromLanguage, toLanguage string) error {
	if toLanguage == "" {
		return &notify.ValidationError{Field: "language", Reason: "required"}
	}
	if fromLanguage == toLanguage {
		return &notify.ValidationError{Field: "language", Reason: "clone onto itself"}
	}
	src, err := s.Get(ctx, key, fromLanguage)
	if err != nil {
		return err
	}
	src.Language = toLanguage
	src.UpdatedAt = time.Now()
	return s.save(ctx, src)
}

func (s *TemplateStore) Import(ctx context.Context, ts []template.Template, overwrite bool) (int, error) {
	written := 0
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return written, err
		}
		if !overwrite {
			if _, err := s.Get(ctx, t.Key, t.Language); err == nil {
				continue
			}
		}
		t.UpdatedAt = time.Now()
		if err := s.save(ctx, t); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (s *TemplateStore) Export(ctx context.Context) ([]template.Template, error) {
	return s.ListAll(ctx)
}

func (s *TemplateStore) list(ctx context.Context, query string, args ...any) ([]template.Template, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []template.Template
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t template.Template
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TemplateStore) save(ctx context.Context, t template.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates(key, language, doc, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(key, language) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		t.Key, t.Language, string(doc), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}
