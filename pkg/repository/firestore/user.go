package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type userRepository struct {
	client *firestore.Client
	names  *collections
}

var _ interfaces.UserRepository = &userRepository{}

func newUserRepository(client *firestore.Client, names *collections) *userRepository {
	return &userRepository{client: client, names: names}
}

// userDoc is the Firestore persistence model
type userDoc struct {
	ID        string    `firestore:"ID"`
	Name      string    `firestore:"Name"`
	CreatedAt time.Time `firestore:"CreatedAt"`
}

func (d *userDoc) toModel() *model.User {
	return &model.User{
		ID:        types.UserID(d.ID),
		Name:      d.Name,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

func (r *userRepository) Put(ctx context.Context, user *model.User) (*model.User, error) {
	ref := r.names.users().Doc(user.ID.String())

	var saved *userDoc
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := &userDoc{
			ID:        user.ID.String(),
			Name:      user.Name,
			CreatedAt: model.NormalizeTimestamp(time.Now()),
		}

		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var current userDoc
			if err := snap.DataTo(&current); err != nil {
				return goerr.Wrap(err, "failed to decode user")
			}
			doc.CreatedAt = current.CreatedAt
		}

		saved = doc
		return tx.Set(ref, doc)
	})
	if err != nil {
		return nil, classify(err, "failed to put user", goerr.V(model.UserIDKey, user.ID))
	}

	return saved.toModel(), nil
}

func (r *userRepository) Get(ctx context.Context, id types.UserID) (*model.User, error) {
	snap, err := r.names.users().Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "user not found", goerr.V(model.UserIDKey, id))
		}
		return nil, classify(err, "failed to get user", goerr.V(model.UserIDKey, id))
	}

	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode user", goerr.V(model.UserIDKey, id))
	}
	return doc.toModel(), nil
}

func (r *userRepository) Exists(ctx context.Context, id types.UserID) (bool, error) {
	_, err := r.names.users().Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, classify(err, "failed to check user", goerr.V(model.UserIDKey, id))
	}
	return true, nil
}
