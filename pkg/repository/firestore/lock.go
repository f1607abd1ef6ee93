package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultLockLease = 30 * time.Second
	lockRetryMin     = 50 * time.Millisecond
	lockRetryMax     = time.Second
	unlockTimeout    = 5 * time.Second
)

// lockDoc is a lease on one conversation. An expired lease may be taken over.
type lockDoc struct {
	Holder    string    `firestore:"Holder"`
	ExpiresAt time.Time `firestore:"ExpiresAt"`
}

// LockConversation takes the in-process key lock first, then the lease
// document shared with other processes.
func (r *entryRepository) LockConversation(ctx context.Context, conversationID types.ConversationID) (interfaces.UnlockFunc, error) {
	release, err := r.local.Lock(ctx, conversationID.String())
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrConcurrencyConflict, err), "failed to acquire conversation lock",
			goerr.V(model.ConversationIDKey, conversationID))
	}

	holder := uuid.NewString()
	ref := r.names.locks().Doc(conversationID.String())

	wait := lockRetryMin
	for {
		acquired, err := r.tryLock(ctx, ref, holder)
		if err != nil {
			release()
			return nil, classify(err, "failed to acquire conversation lock", goerr.V(model.ConversationIDKey, conversationID))
		}
		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			release()
			return nil, goerr.Wrap(errors.Join(model.ErrConcurrencyConflict, ctx.Err()), "conversation lock wait timed out",
				goerr.V(model.ConversationIDKey, conversationID))
		case <-time.After(wait):
		}
		wait = min(wait*2, lockRetryMax)
	}

	return func() {
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := r.unlock(ctx, ref, holder); err != nil {
			logging.Default().Warn("failed to release conversation lock, lease will expire",
				"conversation_id", conversationID, "error", err)
		}
	}, nil
}

func (r *entryRepository) tryLock(ctx context.Context, ref *firestore.DocumentRef, holder string) (bool, error) {
	var acquired bool
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acquired = false
		now := time.Now()

		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var current lockDoc
			if err := snap.DataTo(&current); err != nil {
				return goerr.Wrap(err, "failed to decode lock")
			}
			if current.Holder != "" && current.Holder != holder && now.Before(current.ExpiresAt) {
				return nil
			}
		}

		acquired = true
		return tx.Set(ref, &lockDoc{Holder: holder, ExpiresAt: now.Add(r.lease)})
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (r *entryRepository) unlock(ctx context.Context, ref *firestore.DocumentRef, holder string) error {
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}

		var current lockDoc
		if err := snap.DataTo(&current); err != nil {
			return goerr.Wrap(err, "failed to decode lock")
		}
		if current.Holder != holder {
			return nil
		}
		return tx.Delete(ref)
	})
}
