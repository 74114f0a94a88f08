package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "matchbot/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        TEXT NOT NULL,
	category  TEXT NOT NULL,
	kind      TEXT NOT NULL,
	recipient TEXT NOT NULL,
	details   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);

CREATE TABLE IF NOT EXISTS config_docs (
	name TEXT PRIMARY KEY,
	doc  TEXT NOT NULL
);
`

// identRe bounds what the DDL helpers accept as table/column names. The
// upgrade document is operator-supplied, not user-supplied, but identifiers
// still never get interpolated unchecked.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open creates a Store for the given config. An empty driver defaults to
// sqlite; "memory" returns the in-memory store used mainly by tests.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LogEvent(ctx context.Context, category, kind, recipient, details string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, category, kind, recipient, details) VALUES(?,?,?,?,?)`,
		time.Now().Format(time.RFC3339Nano), category, kind, recipient, details,
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, category, kind, recipient, COALESCE(details,'') FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		if err := rows.Scan(&at, &e.Category, &e.Kind, &e.Recipient, &e.Details); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetDoc(ctx context.Context, name string) (map[string]any, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM config_docs WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("storage: doc %q corrupt: %w", name, err)
	}
	return doc, nil
}

func (s *sqliteStore) SetDoc(ctx context.Context, name string, doc map[string]any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_docs(name, doc) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET doc=excluded.doc`,
		name, string(b),
	)
	return err
}

func (s *sqliteStore) UpdateDoc(ctx context.Context, name string, fields map[string]any) (map[string]any, error) {
	prev, err := s.GetDoc(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	next := make(map[string]any, len(prev)+len(fields))
	for k, v := range prev {
		next[k] = v
	}
	for k, v := range fields {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	if err := s.SetDoc(ctx, name, next); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *sqliteStore) DeleteDoc(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM config_docs WHERE name = ?`, name)
	return err
}

func (s *sqliteStore) EnsureTable(ctx context.Context, name string, columns map[string]string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if err := checkIdent(name); err != nil {
		return false, err
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	cols := make([]string, 0, len(columns))
	for col, typ := range columns {
		if err := checkIdent(col); err != nil {
			return false, err
		}
		if err := checkColumnType(typ); err != nil {
			return false, err
		}
		cols = append(cols, col+" "+typ)
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		cols = append(cols, "id INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(cols, ", ")))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) AlterTableAdd(ctx context.Context, name, column, columnType string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := checkIdent(name); err != nil {
		return err
	}
	if err := checkIdent(column); err != nil {
		return err
	}
	if err := checkColumnType(columnType); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", name, column, columnType))
	return err
}

func (s *sqliteStore) DropTable(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := checkIdent(name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name))
	return err
}

func checkIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("storage: invalid identifier %q", s)
	}
	return nil
}

var allowedColumnTypes = map[string]struct{}{
	"TEXT": {}, "INTEGER": {}, "REAL": {}, "BLOB": {},
	"TEXT NOT NULL": {}, "INTEGER NOT NULL": {}, "REAL NOT NULL": {},
	"INTEGER PRIMARY KEY AUTOINCREMENT": {}, "TEXT PRIMARY KEY": {},
}

func checkColumnType(t string) error {
	if _, ok := allowedColumnTypes[strings.ToUpper(strings.TrimSpace(t))]; !ok {
		return fmt.Errorf("storage: unsupported column type %q", t)
	}
	return nil
}
