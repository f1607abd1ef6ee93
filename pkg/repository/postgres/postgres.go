package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
)

// Postgres persists conversation logs in PostgreSQL
type Postgres struct {
	pool  *pgxpool.Pool
	entry *entryRepository
	user  *userRepository
}

var (
	_ interfaces.Repository = &Postgres{}
	_ interfaces.Migrator   = &Postgres{}
)

type Option func(*pgxpool.Config)

// WithMaxConns bounds the connection pool. An in-flight append holds exactly
// one connection, the one owning its advisory lock.
func WithMaxConns(n int32) Option {
	return func(cfg *pgxpool.Config) {
		cfg.MaxConns = n
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse postgres URL")
	}
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify(err, "failed to connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(err, "failed to ping postgres")
	}

	return &Postgres{
		pool:  pool,
		entry: newEntryRepository(pool),
		user:  newUserRepository(pool),
	}, nil
}

func (p *Postgres) Entry() interfaces.EntryRepository {
	return p.entry
}

func (p *Postgres) User() interfaces.UserRepository {
	return p.user
}

func (p *Postgres) Schema() []string {
	return schema
}

func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return classify(err, "failed to apply schema", goerr.V("statement", stmt))
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_entries (
		id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		conversation_id UUID NOT NULL,
		author_user_id  TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		content         TEXT NOT NULL CHECK (content <> ''),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_entries_log
		ON conversation_entries (conversation_id, created_at, id)`,
}
