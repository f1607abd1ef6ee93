package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
)

// unlockTimeout bounds the advisory unlock issued after the caller's
// context may already be done.
const unlockTimeout = 5 * time.Second

// querier is implemented by both *pgxpool.Pool and *pgxpool.Conn
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// lockedSession is the pooled connection that owns a conversation's
// advisory lock. Statements for that conversation run on it while the lock
// is held, so a lock holder never waits for a second pooled connection.
type lockedSession struct {
	mu   sync.Mutex
	conn *pgxpool.Conn
}

// LockConversation serializes local callers on an in-process key lock, so
// waiters do not park pooled connections, and then takes a session-level
// advisory lock for other processes.
func (r *entryRepository) LockConversation(ctx context.Context, conversationID types.ConversationID) (interfaces.UnlockFunc, error) {
	unlockLocal, err := r.locks.Lock(ctx, conversationID.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to wait for conversation lock", goerr.V(model.ConversationIDKey, conversationID))
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		unlockLocal()
		return nil, classify(err, "failed to acquire connection for lock", goerr.V(model.ConversationIDKey, conversationID))
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, conversationID.String()); err != nil {
		// The lock query may still be queued server-side; drop the session.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		unlockLocal()
		return nil, classify(err, "failed to take advisory lock", goerr.V(model.ConversationIDKey, conversationID))
	}

	s := &lockedSession{conn: conn}
	r.heldMu.Lock()
	r.held[conversationID] = s
	r.heldMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.heldMu.Lock()
			delete(r.held, conversationID)
			r.heldMu.Unlock()

			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()

			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, conversationID.String()); err != nil {
				logging.Default().Warn("failed to release advisory lock, closing session",
					"conversation_id", conversationID, "error", err.Error())
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
			unlockLocal()
		})
	}, nil
}

// withConversation runs fn on the connection holding the conversation's lock
// when this process holds it, and on the pool otherwise.
func (r *entryRepository) withConversation(conversationID types.ConversationID, fn func(q querier) error) error {
	r.heldMu.Lock()
	s := r.held[conversationID]
	r.heldMu.Unlock()

	if s == nil {
		return fn(r.pool)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fn(r.pool)
	}
	return fn(s.conn)
}
