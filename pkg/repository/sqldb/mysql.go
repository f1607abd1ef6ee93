package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/keylock"
)

const (
	mysqlLockPrefix      = "convolog."
	mysqlDefaultLockWait = 10 * time.Second
	mysqlUnlockTimeout   = 5 * time.Second
)

// MySQL server error numbers used for classification
const (
	mysqlErrTooManyConnections = 1040
	mysqlErrServerShutdown     = 1053
	mysqlErrLockWaitTimeout    = 1205
	mysqlErrDeadlock           = 1213
	mysqlErrNoReferencedRow    = 1216
	mysqlErrNoReferencedRow2   = 1452
	mysqlErrCheckViolated      = 3819
)

// MySQLDialect serializes conversations with named server locks
// (GET_LOCK/RELEASE_LOCK), held on a dedicated connection. Local waiters
// queue on an in-process key lock first so they do not hold connections.
type MySQLDialect struct {
	locks *keylock.Locker
}

// NewMySQLDialect returns the MySQL dialect
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{locks: keylock.New()}
}

// OpenMySQL connects to MySQL with dsn
func OpenMySQL(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrValidation, err), "invalid mysql DSN")
	}
	cfg.ParseTime = false
	cfg.MultiStatements = false

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create mysql connector")
	}
	// The pool stays unbounded: a lock holder keeps one connection for
	// GET_LOCK and runs its statements on another.
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(5 * time.Minute)

	dialect := NewMySQLDialect()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify(dialect, err, "failed to connect to mysql", goerr.V("addr", cfg.Addr))
	}

	return New(db, dialect), nil
}

func (d *MySQLDialect) Name() string {
	return "mysql"
}

func (d *MySQLDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(128) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS conversation_entries (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			conversation_id CHAR(36) NOT NULL,
			author_user_id VARCHAR(128) NOT NULL,
			content LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_conversation_entries_log (conversation_id, created_at, id),
			CONSTRAINT fk_conversation_entries_author FOREIGN KEY (author_user_id)
				REFERENCES users (id) ON DELETE CASCADE,
			CONSTRAINT chk_conversation_entries_content CHECK (content <> '')
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
}

func (d *MySQLDialect) UpsertUserQuery() string {
	return `INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name)`
}

// lockWaitSeconds derives the GET_LOCK timeout from the context deadline
func lockWaitSeconds(ctx context.Context) int {
	wait := mysqlDefaultLockWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}

func (d *MySQLDialect) Lock(ctx context.Context, db *sql.DB, conversationID types.ConversationID) (interfaces.UnlockFunc, error) {
	unlockLocal, err := d.locks.Lock(ctx, conversationID.String())
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		unlockLocal()
		return nil, err
	}

	name := mysqlLockPrefix + conversationID.String()
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, name, lockWaitSeconds(ctx)).Scan(&got); err != nil {
		_ = conn.Close()
		unlockLocal()
		return nil, err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		unlockLocal()
		return nil, goerr.Wrap(model.ErrConcurrencyConflict, "conversation lock wait timed out",
			goerr.V(model.ConversationIDKey, conversationID))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), mysqlUnlockTimeout)
			defer cancel()
			if _, err := conn.ExecContext(ctx, `DO RELEASE_LOCK(?)`, name); err != nil {
				// A closed session releases its named locks
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			_ = conn.Close()
			unlockLocal()
		})
	}, nil
}

func (d *MySQLDialect) Classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrNoReferencedRow, mysqlErrNoReferencedRow2:
			return model.ErrReferential
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return model.ErrConcurrencyConflict
		case mysqlErrTooManyConnections, mysqlErrServerShutdown:
			return model.ErrTransientStore
		case mysqlErrCheckViolated:
			return model.ErrValidation
		}
		return nil
	}

	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return model.ErrTransientStore
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrTransientStore
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.ErrTransientStore
	}
	return nil
}
