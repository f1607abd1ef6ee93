package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

type userRepository struct {
	db      *sql.DB
	dialect Dialect
}

func newUserRepository(db *sql.DB, dialect Dialect) *userRepository {
	return &userRepository{db: db, dialect: dialect}
}

func (r *userRepository) Put(ctx context.Context, user *model.User) (*model.User, error) {
	now := model.NormalizeTimestamp(time.Now())
	if _, err := r.db.ExecContext(ctx, r.dialect.UpsertUserQuery(), user.ID.String(), user.Name, now.UnixMicro()); err != nil {
		return nil, classify(r.dialect, err, "failed to put user", goerr.V(model.UserIDKey, user.ID))
	}
	return r.Get(ctx, user.ID)
}

func (r *userRepository) Get(ctx context.Context, id types.UserID) (*model.User, error) {
	var (
		name      string
		createdUS int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM users WHERE id = ?`,
		id.String(),
	).Scan(&name, &createdUS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "user not found", goerr.V(model.UserIDKey, id))
		}
		return nil, classify(r.dialect, err, "failed to get user", goerr.V(model.UserIDKey, id))
	}

	return &model.User{
		ID:        id,
		Name:      name,
		CreatedAt: time.UnixMicro(createdUS).UTC(),
	}, nil
}

func (r *userRepository) Exists(ctx context.Context, id types.UserID) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE id = ?`,
		id.String(),
	).Scan(&n)
	if err != nil {
		return false, classify(r.dialect, err, "failed to check user", goerr.V(model.UserIDKey, id))
	}
	return n > 0, nil
}
