package interfaces

import (
	"context"

	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// UserRepository keeps the author records that log entries reference
type UserRepository interface {
	// Put creates or updates a user
	Put(ctx context.Context, user *model.User) (*model.User, error)

	// Get retrieves a user by ID
	Get(ctx context.Context, id types.UserID) (*model.User, error)

	// Exists reports whether a user with the ID exists
	Exists(ctx context.Context, id types.UserID) (bool, error)
}
