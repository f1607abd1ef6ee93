package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/keylock"
)

// SQLiteDialect serializes conversations with an in-process keyed lock. The
// database handle is limited to a single connection, so one process owns the
// file at a time.
type SQLiteDialect struct {
	locks *keylock.Locker
}

// NewSQLiteDialect returns the SQLite dialect
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{locks: keylock.New()}
}

// SQLiteDSN builds a DSN for path with foreign keys enforced. ":memory:" opens
// a private in-memory database.
func SQLiteDSN(path string) string {
	if path == "" || path == ":memory:" {
		path = ":memory:"
	}
	dsn := "file:" + path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	return dsn + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// OpenSQLite opens a SQLite database at path
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", SQLiteDSN(path))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.V("path", path))
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(errors.Join(model.ErrTransientStore, err), "failed to connect to sqlite database", goerr.V("path", path))
	}

	return New(db, NewSQLiteDialect()), nil
}

func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

func (d *SQLiteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			author_user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			content TEXT NOT NULL CHECK (content <> ''),
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_entries_log
			ON conversation_entries (conversation_id, created_at, id)`,
	}
}

func (d *SQLiteDialect) UpsertUserQuery() string {
	return `INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`
}

func (d *SQLiteDialect) Lock(ctx context.Context, _ *sql.DB, conversationID types.ConversationID) (interfaces.UnlockFunc, error) {
	unlock, err := d.locks.Lock(ctx, conversationID.String())
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrConcurrencyConflict, err), "failed to acquire conversation lock")
	}
	return interfaces.UnlockFunc(unlock), nil
}

func (d *SQLiteDialect) Classify(err error) error {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return nil
	}

	if sqliteErr.ExtendedCode() == sqlite3.CONSTRAINT_FOREIGNKEY {
		return model.ErrReferential
	}
	switch sqliteErr.Code() {
	case sqlite3.BUSY, sqlite3.LOCKED:
		return model.ErrConcurrencyConflict
	case sqlite3.IOERR, sqlite3.CANTOPEN, sqlite3.FULL, sqlite3.NOMEM:
		return model.ErrTransientStore
	case sqlite3.CONSTRAINT:
		return model.ErrValidation
	}
	return nil
}
