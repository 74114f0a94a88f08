package storage

import "context"

// NewDisabled returns a Store whose every operation reports ErrDisabled.
// Used when no storage block is configured, so callers get a clean error
// instead of a nil check at every site.
func NewDisabled() Store { return disabledStore{} }

type disabledStore struct{}

func (disabledStore) Close() error { return nil }

func (disabledStore) LogEvent(ctx context.Context, category, kind, recipient, details string) error {
	return ErrDisabled
}

func (disabledStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return nil, ErrDisabled
}

func (disabledStore) GetDoc(ctx context.Context, name string) (map[string]any, error) {
	return nil, ErrDisabled
}

func (disabledStore) SetDoc(ctx context.Context, name string, doc map[string]any) error {
	return ErrDisabled
}

func (disabledStore) UpdateDoc(ctx context.Context, name string, fields map[string]any) (map[string]any, error) {
	return nil, ErrDisabled
}

func (disabledStore) DeleteDoc(ctx context.Context, name string) error { return ErrDisabled }

func (disabledStore) EnsureTable(ctx context.Context, name string, columns map[string]string) (bool, error) {
	return false, ErrDisabled
}

func (disabledStore) AlterTableAdd(ctx context.Context, name, column, columnType string) error {
	return ErrDisabled
}

func (disabledStore) DropTable(ctx context.Context, name string) error { return ErrDisabled }
