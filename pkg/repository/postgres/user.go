package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

type userRepository struct {
	pool *pgxpool.Pool
}

func newUserRepository(pool *pgxpool.Pool) *userRepository {
	return &userRepository{pool: pool}
}

func (r *userRepository) Put(ctx context.Context, user *model.User) (*model.User, error) {
	stored := *user
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		 RETURNING created_at`,
		user.ID.String(), user.Name,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, classify(err, "failed to put user", goerr.V(model.UserIDKey, user.ID))
	}
	stored.CreatedAt = model.NormalizeTimestamp(stored.CreatedAt)
	return &stored, nil
}

func (r *userRepository) Get(ctx context.Context, id types.UserID) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM users WHERE id = $1`,
		id.String(),
	).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "user not found", goerr.V(model.UserIDKey, id))
		}
		return nil, classify(err, "failed to get user", goerr.V(model.UserIDKey, id))
	}
	u.CreatedAt = model.NormalizeTimestamp(u.CreatedAt)
	return &u, nil
}

func (r *userRepository) Exists(ctx context.Context, id types.UserID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`,
		id.String(),
	).Scan(&exists)
	if err != nil {
		return false, classify(err, "failed to check user", goerr.V(model.UserIDKey, id))
	}
	return exists, nil
}
