package storage

import (
	"context"
	"sync"
	"time"
)

// memStore is a map-backed Store. It exists for tests and for running the
// bot without a storage section (audit disabled in config keeps it unused).
type memStore struct {
	mu     sync.Mutex
	audit  []AuditEntry
	docs   map[string]map[string]any
	tables map[string]map[string]string
}

func NewMemory() Store {
	return &memStore{
		docs:   map[string]map[string]any{},
		tables: map[string]map[string]string{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) LogEvent(ctx context.Context, category, kind, recipient, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditEntry{
		At: time.Now(), Category: category, Kind: kind, Recipient: recipient, Details: details,
	})
	return nil
}

func (s *memStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *memStore) GetDoc(ctx context.Context, name string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (s *memStore) SetDoc(ctx context.Context, name string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = cloneDoc(doc)
	return nil
}

func (s *memStore) UpdateDoc(ctx context.Context, name string, fields map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.docs[name]
	next := cloneDoc(prev)
	if next == nil {
		next = map[string]any{}
	}
	for k, v := range fields {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	s.docs[name] = next
	return cloneDoc(prev), nil
}

func (s *memStore) DeleteDoc(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, name)
	return nil
}

func (s *memStore) EnsureTable(ctx context.Context, name string, columns map[string]string) (bool, error) {
	if err := checkIdent(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return false, nil
	}
	cols := make(map[string]string, len(columns))
	for k, v := range columns {
		cols[k] = v
	}
	s.tables[name] = cols
	return true, nil
}

func (s *memStore) AlterTableAdd(ctx context.Context, name, column, columnType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return ErrNotFound
	}
	t[column] = columnType
	return nil
}

func (s *memStore) DropTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, name)
	return nil
}

func cloneDoc(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
