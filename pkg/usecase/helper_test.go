package usecase_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// faultyRepository fails DeleteByIDs a configured number of times
type faultyRepository struct {
	interfaces.Repository
	entry *faultyEntryRepository
}

type faultyEntryRepository struct {
	interfaces.EntryRepository
	deleteFailures atomic.Int32
}

func newFaultyRepository(repo interfaces.Repository) *faultyRepository {
	return &faultyRepository{
		Repository: repo,
		entry:      &faultyEntryRepository{EntryRepository: repo.Entry()},
	}
}

func (r *faultyRepository) Entry() interfaces.EntryRepository {
	return r.entry
}

// failDeletes makes the next n DeleteByIDs calls fail
func (r *faultyRepository) failDeletes(n int32) {
	r.entry.deleteFailures.Store(n)
}

func (r *faultyEntryRepository) DeleteByIDs(ctx context.Context, conversationID types.ConversationID, ids []model.EntryID) (int, error) {
	for {
		n := r.deleteFailures.Load()
		if n <= 0 {
			break
		}
		if r.deleteFailures.CompareAndSwap(n, n-1) {
			return 0, goerr.Wrap(model.ErrTransientStore, "injected delete failure")
		}
	}
	return r.EntryRepository.DeleteByIDs(ctx, conversationID, ids)
}

func putUser(t *testing.T, repo interfaces.Repository) types.UserID {
	t.Helper()
	id := types.UserID(fmt.Sprintf("U%d", time.Now().UnixNano()))
	_, err := repo.User().Put(context.Background(), &model.User{ID: id, Name: "test"})
	gt.NoError(t, err).Required()
	return id
}

func contents(entries []*model.Entry) []string {
	result := make([]string, len(entries))
	for i, e := range entries {
		result[i] = e.Content
	}
	return result
}

// steppingClock returns a clock advancing by step on every call
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)-1) * step)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
