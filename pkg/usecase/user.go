package usecase

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// UserUseCase maintains the authors that entries reference
type UserUseCase struct {
	repo interfaces.Repository
}

func NewUserUseCase(repo interfaces.Repository) *UserUseCase {
	return &UserUseCase{repo: repo}
}

func (uc *UserUseCase) PutUser(ctx context.Context, id types.UserID, name string) (*model.User, error) {
	if err := id.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrValidation, "invalid user ID",
			goerr.V(model.UserIDKey, id), goerr.V("cause", err.Error()))
	}

	user, err := uc.repo.User().Put(ctx, &model.User{ID: id, Name: name})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to put user", goerr.V(model.UserIDKey, id))
	}
	return user, nil
}

func (uc *UserUseCase) GetUser(ctx context.Context, id types.UserID) (*model.User, error) {
	if err := id.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrValidation, "invalid user ID",
			goerr.V(model.UserIDKey, id), goerr.V("cause", err.Error()))
	}

	user, err := uc.repo.User().Get(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get user", goerr.V(model.UserIDKey, id))
	}
	return user, nil
}
