// Package sqldb implements the repository on database/sql. Each supported SQL
// dialect plugs in its schema, upsert syntax, conversation lock and error
// classification; queries and the retention primitives are shared.
package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// Dialect captures what differs between SQL backends
type Dialect interface {
	// Name identifies the dialect in logs and errors
	Name() string

	// Schema returns idempotent DDL statements
	Schema() []string

	// UpsertUserQuery inserts (id, name, created_at) or updates name on conflict
	UpsertUserQuery() string

	// Lock acquires the exclusive per-conversation lock
	Lock(ctx context.Context, db *sql.DB, conversationID types.ConversationID) (interfaces.UnlockFunc, error)

	// Classify returns the taxonomy sentinel matching a driver error, or nil
	Classify(err error) error
}

// DB is a repository backed by database/sql
type DB struct {
	db      *sql.DB
	dialect Dialect
	entry   *entryRepository
	user    *userRepository
}

var (
	_ interfaces.Repository = &DB{}
	_ interfaces.Migrator   = &DB{}
)

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{
		db:      db,
		dialect: dialect,
		entry:   newEntryRepository(db, dialect),
		user:    newUserRepository(db, dialect),
	}
}

func (d *DB) Entry() interfaces.EntryRepository {
	return d.entry
}

func (d *DB) User() interfaces.UserRepository {
	return d.user
}

// Dialect returns the dialect the repository was opened with
func (d *DB) Dialect() Dialect {
	return d.dialect
}

func (d *DB) Schema() []string {
	return d.dialect.Schema()
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range d.dialect.Schema() {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return classify(d.dialect, err, "failed to apply schema",
				goerr.V("dialect", d.dialect.Name()), goerr.V("statement", stmt))
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// classify wraps err with the dialect's taxonomy sentinel when it has one
func classify(dialect Dialect, err error, msg string, opts ...goerr.Option) error {
	if err == nil {
		return nil
	}
	if sentinel := dialect.Classify(err); sentinel != nil {
		return goerr.Wrap(errors.Join(sentinel, err), msg, opts...)
	}
	return goerr.Wrap(err, msg, opts...)
}
