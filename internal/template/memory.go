package template

import (
	"context"
	"sort"
	"sync"
	"time"

	"notifyd/internal/notify"
)

// MemoryStore is the reference in-process Store: a two-level map of
// key → language → template behind one mutex.
type MemoryStore struct {
	mu   sync.RWMutex
	byKy map[string]map[string]Template

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKy: map[string]map[string]Template{},
		now:  time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key, language string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byKy[key][language]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	return t, nil
}

func (s *MemoryStore) CreateOrUpdate(ctx context.Context, t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(t)
	return nil
}

func (s *MemoryStore) putLocked(t Template) {
	langs, ok := s.byKy[t.Key]
	if !ok {
		langs = map[string]Template{}
		s.byKy[t.Key] = langs
	}
	langs[t.Language] = t
}

func (s *MemoryStore) Delete(ctx context.Context, key, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	langs, ok := s.byKy[key]
	if !ok {
		return ErrTemplateNotFound
	}
	if _, ok := langs[language]; !ok {
		return ErrTemplateNotFound
	}
	delete(langs, language)
	if len(langs) == 0 {
		delete(s.byKy, key)
	}
	return nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, 0, len(s.byKy))
	for _, langs := range s.byKy {
		for _, t := range langs {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Language < out[j].Language
	})
	return out, nil
}

func (s *MemoryStore) ListByKey(ctx context.Context, key string) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	langs, ok := s.byKy[key]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	out := make([]Template, 0, len(langs))
	for _, t := range langs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out, nil
}

func (s *MemoryStore) Languages(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	langs, ok := s.byKy[key]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	out := make([]string, 0, len(langs))
	for l := range langs {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

// Clone copies a variant to another language of the same key, keeping
// the bodies verbatim so translators start from the source text.
func (s *MemoryStore) Clone(ctx context.Context, key, fromLanguage, toLanguage string) error {
	if toLanguage == "" {
		return &notify.ValidationError{Field: "language", Reason: "required"}
	}
	if fromLanguage == toLanguage {
		return &notify.ValidationError{Field: "language", Reason: "clone onto itself"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.byKy[key][fromLanguage]
	if !ok {
		return ErrTemplateNotFound
	}
	src.Language = toLanguage
	src.UpdatedAt = s.now()
	s.putLocked(src)
	return nil
}

func (s *MemoryStore) Import(ctx context.Context, ts []Template, overwrite bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return written, err
		}
		if !overwrite {
			if _, exists := s.byKy[t.Key][t.Language]; exists {
				continue
			}
		}
		t.UpdatedAt = s.now()
		s.putLocked(t)
		written++
	}
	return written, nil
}

func (s *MemoryStore) Export(ctx context.Context) ([]Template, error) {
	return s.ListAll(ctx)
}
