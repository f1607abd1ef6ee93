package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/repository/memory"
	"github.com/secmon-lab/convolog/pkg/repository/sqldb"
	"github.com/secmon-lab/convolog/pkg/usecase"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/secmon-lab/convolog/pkg/utils/metrics"
)

func newSQLite(t *testing.T) interfaces.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := sqldb.OpenSQLite(ctx, filepath.Join(t.TempDir(), "usecase.db"))
	gt.NoError(t, err).Required()
	gt.NoError(t, repo.Migrate(ctx)).Required()
	t.Cleanup(func() {
		gt.NoError(t, repo.Close())
	})
	return repo
}

func repositories() map[string]func(t *testing.T) interfaces.Repository {
	return map[string]func(t *testing.T) interfaces.Repository{
		"Memory": func(t *testing.T) interfaces.Repository { return memory.New() },
		"SQLite": newSQLite,
	}
}

func TestConversationUseCase_Append(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			t.Run("31st append evicts msg-1", func(t *testing.T) {
				repo := newRepo(t)
				uc := usecase.NewConversationUseCase(repo)
				ctx := context.Background()
				author := putUser(t, repo)
				convID := types.NewConversationID()

				for i := 1; i <= 31; i++ {
					_, err := uc.Append(ctx, convID, author, fmt.Sprintf("msg-%d", i))
					gt.NoError(t, err).Required()
				}

				entries, err := uc.ListEntries(ctx, convID)
				gt.NoError(t, err).Required()
				gt.Array(t, entries).Length(30)

				expected := make([]string, 0, 30)
				for i := 2; i <= 31; i++ {
					expected = append(expected, fmt.Sprintf("msg-%d", i))
				}
				gt.Value(t, contents(entries)).Equal(expected)
			})

			t.Run("many sequential appends keep the most recent 30", func(t *testing.T) {
				repo := newRepo(t)
				uc := usecase.NewConversationUseCase(repo,
					usecase.WithClock(steppingClock(time.Now(), time.Millisecond)))
				ctx := context.Background()
				author := putUser(t, repo)
				convID := types.NewConversationID()

				var created []*model.Entry
				for i := range 45 {
					e, err := uc.Append(ctx, convID, author, fmt.Sprintf("m%d", i))
					gt.NoError(t, err).Required()
					created = append(created, e)
				}

				entries, err := uc.ListEntries(ctx, convID)
				gt.NoError(t, err).Required()
				gt.Array(t, entries).Length(30)
				for i, e := range entries {
					gt.Value(t, e.ID).Equal(created[15+i].ID)
				}
			})

			t.Run("equal timestamps are ordered by ID", func(t *testing.T) {
				repo := newRepo(t)
				fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
				uc := usecase.NewConversationUseCase(repo,
					usecase.WithClock(func() time.Time { return fixed }))
				ctx := context.Background()
				author := putUser(t, repo)
				convID := types.NewConversationID()

				for i := 1; i <= 31; i++ {
					_, err := uc.Append(ctx, convID, author, fmt.Sprintf("msg-%d", i))
					gt.NoError(t, err).Required()
				}

				entries, err := uc.ListEntries(ctx, convID)
				gt.NoError(t, err).Required()
				gt.Array(t, entries).Length(30)
				gt.Value(t, entries[0].Content).Equal("msg-2")
				gt.Value(t, entries[29].Content).Equal("msg-31")
				for i := 1; i < len(entries); i++ {
					gt.Bool(t, model.EntryLess(entries[i-1], entries[i])).True()
				}
			})

			t.Run("appending to one key does not affect another", func(t *testing.T) {
				repo := newRepo(t)
				uc := usecase.NewConversationUseCase(repo,
					usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 3}))
				ctx := context.Background()
				author := putUser(t, repo)
				convA := types.NewConversationID()
				convB := types.NewConversationID()

				_, err := uc.Append(ctx, convB, author, "b-1")
				gt.NoError(t, err).Required()
				for i := range 10 {
					_, err := uc.Append(ctx, convA, author, fmt.Sprintf("a-%d", i))
					gt.NoError(t, err).Required()
				}

				entries, err := uc.ListEntries(ctx, convB)
				gt.NoError(t, err).Required()
				gt.Value(t, contents(entries)).Equal([]string{"b-1"})

				entries, err = uc.ListEntries(ctx, convA)
				gt.NoError(t, err).Required()
				gt.Array(t, entries).Length(3)
			})

			t.Run("concurrent appends converge to capacity", func(t *testing.T) {
				repo := newRepo(t)
				uc := usecase.NewConversationUseCase(repo, usecase.WithLockTimeout(30*time.Second))
				ctx := context.Background()
				author := putUser(t, repo)
				convID := types.NewConversationID()

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

				seen := make(map[model.EntryID]struct{})
				for _, e := range entries {
					content, ok := created[e.ID]
					gt.Bool(t, ok).True()
					gt.Value(t, e.Content).Equal(content)
					_, dup := seen[e.ID]
					gt.Bool(t, dup).False()
					seen[e.ID] = struct{}{}
				}
			})

			t.Run("new entry survives even when clock goes backwards", func(t *testing.T) {
				repo := newRepo(t)
				start := time.Now()
				uc := usecase.NewConversationUseCase(repo,
					usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 2}),
					usecase.WithClock(steppingClock(start, -time.Second)))
				ctx := context.Background()
				author := putUser(t, repo)
				convID := types.NewConversationID()

				var last *model.Entry
				for i := range 3 {
					e, err := uc.Append(ctx, convID, author, fmt.Sprintf("skew-%d", i))
					gt.NoError(t, err).Required()
					last = e
				}

				entries, err := uc.ListEntries(ctx, convID)
				gt.NoError(t, err).Required()
				gt.Array(t, entries).Length(2)

				found := false
				for _, e := range entries {
					if e.ID == last.ID {
						found = true
					}
				}
				gt.Bool(t, found).True()
			})

			t.Run("empty content is rejected without mutation", func(t *testing.T) {
				repo := newRepo(t)
				uc := usecase.NewConversationUseCase(repo)
				ctx := context.Background()
				author := putUser(t, repo)
				convID := types.NewConversationID()

				_, err := uc.Append(ctx, convID, author, "kept")
				gt.NoError(t, err).Required()

				_, err = uc.Append(ctx, convID, author, "")
				gt.Error(t, err).Is(model.ErrValidation)

				_, err = uc.Append(ctx, convID, author, "   ")
				gt.Error(t, err).Is(model.ErrValidation)

				entries, err := uc.ListEntries(ctx, convID)
				gt.NoError(t, err).Required()
				gt.Value(t, contents(entries)).Equal([]string{"kept"})
			})

			t.Run("malformed keys are rejected", func(t *testing.T) {
				repo := newRepo(t)
				uc := usecase.NewConversationUseCase(repo)
				ctx := context.Background()
				author := putUser(t, repo)

				_, err := uc.Append(ctx, types.ConversationID("not-a-uuid"), author, "hello")
				gt.Error(t, err).Is(model.ErrValidation)

				_, err = uc.Append(ctx, types.NewConversationID(), types.UserID(""), "hello")
				gt.Error(t, err).Is(model.ErrValidation)

				_, err = uc.ListEntries(ctx, types.ConversationID(""))
				gt.Error(t, err).Is(model.ErrValidation)
			})

			t.Run("unknown author fails referentially", func(t *testing.T) {
				repo := newRepo(t)
				uc := usecase.NewConversationUseCase(repo)
				ctx := context.Background()
				convID := types.NewConversationID()

				_, err := uc.Append(ctx, convID, types.UserID("ghost"), "boo")
				gt.Error(t, err).Is(model.ErrReferential)

				entries, err := uc.ListEntries(ctx, convID)
				gt.NoError(t, err).Required()
				gt.Array(t, entries).Length(0)
			})
		})
	}
}

func TestConversationUseCase_ListEntries(t *testing.T) {
	t.Run("unknown key yields empty sequence", func(t *testing.T) {
		uc := usecase.NewConversationUseCase(memory.New())

		entries, err := uc.ListEntries(context.Background(), types.NewConversationID())
		gt.NoError(t, err).Required()
		gt.Value(t, entries).NotNil()
		gt.Array(t, entries).Length(0)
	})
}

func TestConversationUseCase_EvictionFailure(t *testing.T) {
	t.Run("insert is kept and conversation becomes pending", func(t *testing.T) {
		repo := newFaultyRepository(memory.New())
		uc := usecase.NewConversationUseCase(repo,
			usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 2}),
			usecase.WithImmediateRetry(false))
		ctx := context.Background()
		author := putUser(t, repo)
		convID := types.NewConversationID()

		for i := range 2 {
			_, err := uc.Append(ctx, convID, author, fmt.Sprintf("ok-%d", i))
			gt.NoError(t, err).Required()
		}

		repo.failDeletes(1)
		created, err := uc.Append(ctx, convID, author, "stored-anyway")
		gt.Error(t, err).Is(model.ErrTransientStore)
		gt.Bool(t, errors.Is(err, usecase.ErrEvictionPending)).True()
		gt.Value(t, created).NotNil()
		gt.Value(t, created.Content).Equal("stored-anyway")

		entries, err := uc.ListEntries(ctx, convID)
		gt.NoError(t, err).Required()
		gt.Array(t, entries).Length(3)
		gt.Value(t, uc.Pending()).Equal([]types.ConversationID{convID})

		over, err := uc.OverCapacity(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, over).Equal([]types.ConversationID{convID})

		evicted, err := uc.Enforce(ctx, convID)
		gt.NoError(t, err).Required()
		gt.Number(t, evicted).Equal(1)
		gt.Array(t, uc.Pending()).Length(0)

		entries, err = uc.ListEntries(ctx, convID)
		gt.NoError(t, err).Required()
		gt.Value(t, contents(entries)).Equal([]string{"ok-1", "stored-anyway"})
	})

	t.Run("failed enforce keeps conversation pending", func(t *testing.T) {
		repo := newFaultyRepository(memory.New())
		uc := usecase.NewConversationUseCase(repo,
			usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 1}),
			usecase.WithImmediateRetry(false))
		ctx := context.Background()
		author := putUser(t, repo)
		convID := types.NewConversationID()

		_, err := uc.Append(ctx, convID, author, "first")
		gt.NoError(t, err).Required()

		repo.failDeletes(2)
		_, err = uc.Append(ctx, convID, author, "second")
		gt.Error(t, err).Is(model.ErrTransientStore)

		_, err = uc.Enforce(ctx, convID)
		gt.Error(t, err).Is(model.ErrTransientStore)
		gt.Value(t, uc.Pending()).Equal([]types.ConversationID{convID})
	})

	t.Run("immediate retry corrects the conversation in background", func(t *testing.T) {
		repo := newFaultyRepository(memory.New())
		uc := usecase.NewConversationUseCase(repo,
			usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 1}))
		ctx := context.Background()
		author := putUser(t, repo)
		convID := types.NewConversationID()

		_, err := uc.Append(ctx, convID, author, "first")
		gt.NoError(t, err).Required()

		repo.failDeletes(1)
		_, err = uc.Append(ctx, convID, author, "second")
		gt.Error(t, err).Is(model.ErrTransientStore)

		waitUntil(t, 5*time.Second, func() bool {
			return len(uc.Pending()) == 0
		})

		entries, err := uc.ListEntries(ctx, convID)
		gt.NoError(t, err).Required()
		gt.Value(t, contents(entries)).Equal([]string{"second"})
	})

	t.Run("stored entry is counted and corrective eviction is logged", func(t *testing.T) {
		repo := newFaultyRepository(memory.New())
		m := metrics.New("convolog_usecase_test")
		uc := usecase.NewConversationUseCase(repo,
			usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 1}),
			usecase.WithMetrics(m),
			usecase.WithImmediateRetry(false))

		var buf bytes.Buffer
		ctx := logging.With(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
		author := putUser(t, repo)
		convID := types.NewConversationID()

		_, err := uc.Append(ctx, convID, author, "first")
		gt.NoError(t, err).Required()

		repo.failDeletes(1)
		_, err = uc.Append(ctx, convID, author, "second")
		gt.Error(t, err).Is(usecase.ErrEvictionPending)

		gt.Value(t, testutil.ToFloat64(m.EntriesAppended)).Equal(float64(2))
		gt.Value(t, testutil.ToFloat64(m.EvictionFailures)).Equal(float64(1))

		evicted, err := uc.Enforce(ctx, convID)
		gt.NoError(t, err).Required()
		gt.Number(t, evicted).Equal(1)
		gt.Value(t, testutil.ToFloat64(m.EntriesEvicted)).Equal(float64(1))
		gt.String(t, buf.String()).Contains(`"evicted":1`)
	})
}

func TestConversationUseCase_LockTimeout(t *testing.T) {
	repo := memory.New()
	uc := usecase.NewConversationUseCase(repo, usecase.WithLockTimeout(50*time.Millisecond))
	ctx := context.Background()
	author := putUser(t, repo)
	convID := types.NewConversationID()

	unlock, err := repo.Entry().LockConversation(ctx, convID)
	gt.NoError(t, err).Required()

	_, err = uc.Append(ctx, convID, author, "blocked")
	gt.Error(t, err).Is(model.ErrConcurrencyConflict)

	// Other keys are unaffected
	_, err = uc.Append(ctx, types.NewConversationID(), author, "free")
	gt.NoError(t, err).Required()

	unlock()

	_, err = uc.Append(ctx, convID, author, "after")
	gt.NoError(t, err).Required()

	entries, err := uc.ListEntries(ctx, convID)
	gt.NoError(t, err).Required()
	gt.Value(t, contents(entries)).Equal([]string{"after"})
}

func TestConversationUseCase_DeleteConversation(t *testing.T) {
	repo := memory.New()
	uc := usecase.NewConversationUseCase(repo)
	ctx := context.Background()
	author := putUser(t, repo)
	convID := types.NewConversationID()
	other := types.NewConversationID()

	for i := range 3 {
		_, err := uc.Append(ctx, convID, author, fmt.Sprintf("d-%d", i))
		gt.NoError(t, err).Required()
	}
	_, err := uc.Append(ctx, other, author, "keep")
	gt.NoError(t, err).Required()

	n, err := uc.DeleteConversation(ctx, convID)
	gt.NoError(t, err).Required()
	gt.Number(t, n).Equal(3)

	entries, err := uc.ListEntries(ctx, convID)
	gt.NoError(t, err).Required()
	gt.Array(t, entries).Length(0)

	entries, err = uc.ListEntries(ctx, other)
	gt.NoError(t, err).Required()
	gt.Array(t, entries).Length(1)

	_, err = uc.DeleteConversation(ctx, types.ConversationID("bad"))
	gt.Error(t, err).Is(model.ErrValidation)
}

func TestUserUseCase(t *testing.T) {
	uc := usecase.New(memory.New())
	ctx := context.Background()

	user, err := uc.User.PutUser(ctx, types.UserID("U1"), "alice")
	gt.NoError(t, err).Required()
	gt.Value(t, user.Name).Equal("alice")

	got, err := uc.User.GetUser(ctx, types.UserID("U1"))
	gt.NoError(t, err).Required()
	gt.Value(t, got.Name).Equal("alice")

	_, err = uc.User.GetUser(ctx, types.UserID("U2"))
	gt.Error(t, err).Is(model.ErrNotFound)

	_, err = uc.User.PutUser(ctx, types.UserID(""), "nobody")
	gt.Error(t, err).Is(model.ErrValidation)

	entry, err := uc.Conversation.Append(ctx, types.NewConversationID(), types.UserID("U1"), "hi")
	gt.NoError(t, err).Required()
	gt.Value(t, entry.AuthorUserID).Equal(types.UserID("U1"))
}

func TestConversationUseCase_CancelledAppendStoresNothing(t *testing.T) {
	for name, newRepo := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := newRepo(t)
			uc := usecase.NewConversationUseCase(repo)
			author := putUser(t, repo)
			convID := types.NewConversationID()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			for i := range 50 {
				created, err := uc.Append(ctx, convID, author, fmt.Sprintf("late-%d", i))
				gt.Error(t, err).Is(context.Canceled)
				gt.Value(t, created).Nil()
			}

			entries, err := uc.ListEntries(context.Background(), convID)
			gt.NoError(t, err).Required()
			gt.Array(t, entries).Length(0)
		})
	}
}
