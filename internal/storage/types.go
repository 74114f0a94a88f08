package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

type Config struct {
	Driver      string // "sqlite" or "memory"
	Path        string
	BusyTimeout time.Duration
}

// AuditEntry is one audit-log row.
type AuditEntry struct {
	At        time.Time
	Category  string
	Kind      string
	Recipient string
	Details   string
}

// Store is the persistence/audit sink consumed by the notification engine
// and by upgrade steps.
//
// Documents are small named JSON objects; they back the configuration source
// that upgrade handlers read and mutate. The DDL methods exist for
// storage-table upgrade steps and accept identifiers only (validated).
type Store interface {
	LogEvent(ctx context.Context, category, kind, recipient, details string) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	GetDoc(ctx context.Context, name string) (map[string]any, error)
	SetDoc(ctx context.Context, name string, doc map[string]any) error
	// UpdateDoc merges fields into the named doc (creating it if absent) and
	// returns the previous doc so callers can register a rollback.
	UpdateDoc(ctx context.Context, name string, fields map[string]any) (map[string]any, error)
	DeleteDoc(ctx context.Context, name string) error

	EnsureTable(ctx context.Context, name string, columns map[string]string) (created bool, err error)
	AlterTableAdd(ctx context.Context, name, column, columnType string) error
	DropTable(ctx context.Context, name string) error

	Close() error
}
