package memory

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/keylock"
)

type entryRepository struct {
	mu      sync.RWMutex
	nextID  model.EntryID
	entries map[types.ConversationID][]*model.Entry
	users   *userRepository
	locks   *keylock.Locker
}

func newEntryRepository(users *userRepository) *entryRepository {
	return &entryRepository{
		entries: make(map[types.ConversationID][]*model.Entry),
		users:   users,
		locks:   keylock.New(),
	}
}

func (r *entryRepository) LockConversation(ctx context.Context, conversationID types.ConversationID) (interfaces.UnlockFunc, error) {
	unlock, err := r.locks.Lock(ctx, conversationID.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to lock conversation", goerr.V(model.ConversationIDKey, conversationID))
	}
	return interfaces.UnlockFunc(unlock), nil
}

func (r *entryRepository) Insert(ctx context.Context, entry *model.Entry) (*model.Entry, error) {
	exists, err := r.users.Exists(ctx, entry.AuthorUserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, goerr.Wrap(model.ErrReferential, "author user does not exist",
			goerr.V(model.UserIDKey, entry.AuthorUserID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	created := entry.Copy()
	r.nextID++
	created.ID = r.nextID
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	created.CreatedAt = model.NormalizeTimestamp(created.CreatedAt)

	r.entries[created.ConversationID] = append(r.entries[created.ConversationID], created)
	return created.Copy(), nil
}

func (r *entryRepository) Count(ctx context.Context, conversationID types.ConversationID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[conversationID]), nil
}

// sorted returns a log-ordered copy of the bucket; caller must hold r.mu
func (r *entryRepository) sorted(conversationID types.ConversationID) []*model.Entry {
	bucket := r.entries[conversationID]
	result := make([]*model.Entry, len(bucket))
	for i, e := range bucket {
		result[i] = e.Copy()
	}
	model.SortEntries(result)
	return result
}

func (r *entryRepository) OldestIDs(ctx context.Context, conversationID types.ConversationID, limit int, exclude ...model.EntryID) ([]model.EntryID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skip := make(map[model.EntryID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	ids := make([]model.EntryID, 0, limit)
	for _, e := range r.sorted(conversationID) {
		if len(ids) >= limit {
			break
		}
		if _, ok := skip[e.ID]; ok {
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (r *entryRepository) DeleteByIDs(ctx context.Context, conversationID types.ConversationID, ids []model.EntryID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	target := make(map[model.EntryID]struct{}, len(ids))
	for _, id := range ids {
		target[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.entries[conversationID]
	kept := bucket[:0]
	deleted := 0
	for _, e := range bucket {
		if _, ok := target[e.ID]; ok {
			deleted++
			continue
		}
		kept = append(kept, e)
	}

	if len(kept) == 0 {
		delete(r.entries, conversationID)
	} else {
		r.entries[conversationID] = kept
	}
	return deleted, nil
}

func (r *entryRepository) List(ctx context.Context, conversationID types.ConversationID) ([]*model.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(conversationID), nil
}

func (r *entryRepository) DeleteConversation(ctx context.Context, conversationID types.ConversationID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries[conversationID])
	delete(r.entries, conversationID)
	return n, nil
}

func (r *entryRepository) ListOverCapacity(ctx context.Context, capacity int) ([]types.ConversationID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []types.ConversationID
	for id, bucket := range r.entries {
		if len(bucket) > capacity {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
