package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/repository/postgres"
	"github.com/secmon-lab/convolog/pkg/usecase"
)

// runConcurrentAppendTest drives the retention use case against a backend
// with many simultaneous appends. A deadline turns a stalled backend into a
// failure instead of a hung test.
func runConcurrentAppendTest(t *testing.T, newRepo func(t *testing.T) interfaces.Repository) {
	t.Helper()

	t.Run("concurrent appends on one key keep exactly capacity", func(t *testing.T) {
		repo := newRepo(t)
		uc := usecase.NewConversationUseCase(repo,
			usecase.WithLockTimeout(30*time.Second),
			usecase.WithImmediateRetry(false))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		author := putAuthor(t, repo)
		convID := types.NewConversationID()
		other := types.NewConversationID()
		bystander, err := uc.Append(ctx, other, author, "bystander")
		gt.NoError(t, err).Required()

		const m = 60
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created = make(map[model.EntryID]string)
		)
		for i := range m {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, err := uc.Append(ctx, convID, author, fmt.Sprintf("c-%d", i))
				if err != nil {
					t.Errorf("append %d failed: %v", i, err)
					return
				}
				mu.Lock()
				created[e.ID] = e.Content
				mu.Unlock()
			}()
		}
		wg.Wait()
		gt.Number(t, len(created)).Equal(m)

		entries, err := uc.ListEntries(ctx, convID)
		gt.NoError(t, err).Required()
		gt.Array(t, entries).Length(model.DefaultCapacity)
		for _, e := range entries {
			gt.Value(t, e.ConversationID).Equal(convID)
			content, ok := created[e.ID]
			gt.Bool(t, ok).True()
			gt.Value(t, e.Content).Equal(content)
		}

		others, err := uc.ListEntries(ctx, other)
		gt.NoError(t, err).Required()
		gt.Array(t, others).Length(1)
		gt.Value(t, others[0].ID).Equal(bystander.ID)
	})

	t.Run("appends on many keys at once all complete", func(t *testing.T) {
		repo := newRepo(t)
		uc := usecase.NewConversationUseCase(repo,
			usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 2}),
			usecase.WithImmediateRetry(false))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		author := putAuthor(t, repo)

		const keys = 8
		const perKey = 3
		convIDs := make([]types.ConversationID, keys)
		for i := range convIDs {
			convIDs[i] = types.NewConversationID()
		}

		var wg sync.WaitGroup
		for _, convID := range convIDs {
			for j := range perKey {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := uc.Append(ctx, convID, author, fmt.Sprintf("k-%d", j)); err != nil {
						t.Errorf("append on %s failed: %v", convID, err)
					}
				}()
			}
		}
		wg.Wait()
		gt.NoError(t, ctx.Err())

		for _, convID := range convIDs {
			entries, err := uc.ListEntries(ctx, convID)
			gt.NoError(t, err).Required()
			gt.Array(t, entries).Length(2)
		}
	})
}

func TestConcurrentAppend(t *testing.T) {
	bs := append(backends(), backend{
		// Fewer connections than concurrent lock holders
		name: "PostgresSmallPool",
		newRepo: func(t *testing.T) interfaces.Repository {
			t.Helper()
			return openPostgres(t, postgres.WithMaxConns(2))
		},
	})

	for _, b := range bs {
		t.Run(b.name, func(t *testing.T) {
			runConcurrentAppendTest(t, b.newRepo)
		})
	}
}
