package usecase

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/async"
	"github.com/secmon-lab/convolog/pkg/utils/errutil"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/secmon-lab/convolog/pkg/utils/metrics"
)

// DefaultLockTimeout bounds how long an append waits for its conversation lock
const DefaultLockTimeout = 5 * time.Second

// ConversationUseCase keeps a bounded log per conversation. Insert, count and
// eviction for one conversation run under that conversation's lock.
type ConversationUseCase struct {
	repo        interfaces.Repository
	policy      model.RetentionPolicy
	lockTimeout time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics
	retryNow    bool

	pendingMu sync.Mutex
	pending   map[types.ConversationID]struct{}
}

type ConversationOption func(*ConversationUseCase)

// WithRetentionPolicy overrides the default capacity of 30 entries
func WithRetentionPolicy(policy model.RetentionPolicy) ConversationOption {
	return func(uc *ConversationUseCase) {
		uc.policy = policy
	}
}

func WithLockTimeout(d time.Duration) ConversationOption {
	return func(uc *ConversationUseCase) {
		if d > 0 {
			uc.lockTimeout = d
		}
	}
}

// WithClock replaces the time source used for CreatedAt
func WithClock(now func() time.Time) ConversationOption {
	return func(uc *ConversationUseCase) {
		uc.now = now
	}
}

func WithMetrics(m *metrics.Metrics) ConversationOption {
	return func(uc *ConversationUseCase) {
		uc.metrics = m
	}
}

// WithImmediateRetry controls whether a failed eviction is retried in the
// background right away, in addition to the pending set drained by sweeps.
func WithImmediateRetry(enabled bool) ConversationOption {
	return func(uc *ConversationUseCase) {
		uc.retryNow = enabled
	}
}

func NewConversationUseCase(repo interfaces.Repository, opts ...ConversationOption) *ConversationUseCase {
	uc := &ConversationUseCase{
		repo:        repo,
		policy:      model.DefaultRetentionPolicy(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		retryNow:    true,
		pending:     make(map[types.ConversationID]struct{}),
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

// Policy returns the retention policy in effect
func (uc *ConversationUseCase) Policy() model.RetentionPolicy {
	return uc.policy
}

// Append stores a new entry and evicts the oldest entries beyond capacity.
//
// When the insert succeeds but eviction fails, the created entry is returned
// together with an error matching both model.ErrTransientStore and
// ErrEvictionPending. The entry stays stored and the conversation is queued
// for a corrective eviction.
func (uc *ConversationUseCase) Append(ctx context.Context, conversationID types.ConversationID, authorUserID types.UserID, content string) (*model.Entry, error) {
	started := time.Now()

	entry := &model.Entry{
		ConversationID: conversationID,
		AuthorUserID:   authorUserID,
		Content:        content,
	}
	if err := entry.Validate(); err != nil {
		uc.metrics.ObserveAppendError(errutil.Kind(err))
		return nil, err
	}

	unlock, err := uc.lock(ctx, conversationID)
	if err != nil {
		uc.metrics.ObserveAppendError(errutil.Kind(err))
		return nil, err
	}
	defer unlock()

	entry.CreatedAt = model.NormalizeTimestamp(uc.now())
	created, err := uc.repo.Entry().Insert(ctx, entry)
	if err != nil {
		uc.metrics.ObserveAppendError(errutil.Kind(err))
		return nil, goerr.Wrap(err, "failed to insert entry", goerr.V(model.ConversationIDKey, conversationID))
	}

	evicted, err := uc.evict(ctx, conversationID, created.ID)
	if err != nil {
		uc.metrics.ObserveAppend(time.Since(started), 0)
		uc.metrics.ObserveEvictionFailure()
		uc.schedule(ctx, conversationID)

		logging.From(ctx).Warn("eviction failed after insert, corrective eviction scheduled",
			"conversation_id", conversationID,
			"entry_id", created.ID,
			"error", err)

		return created, goerr.Wrap(errors.Join(model.ErrTransientStore, ErrEvictionPending),
			"entry stored but eviction failed",
			goerr.V(model.ConversationIDKey, conversationID),
			goerr.V(model.EntryIDKey, created.ID),
			goerr.V("cause", err.Error()))
	}

	uc.metrics.ObserveAppend(time.Since(started), evicted)
	return created, nil
}

// ListEntries returns the entries of a conversation, oldest first. An unknown
// conversation yields an empty slice.
func (uc *ConversationUseCase) ListEntries(ctx context.Context, conversationID types.ConversationID) ([]*model.Entry, error) {
	if err := conversationID.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrValidation, "invalid conversation ID",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V("cause", err.Error()))
	}

	entries, err := uc.repo.Entry().List(ctx, conversationID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	return entries, nil
}

// DeleteConversation removes every entry of a conversation and returns how
// many were removed.
func (uc *ConversationUseCase) DeleteConversation(ctx context.Context, conversationID types.ConversationID) (int, error) {
	if err := conversationID.Validate(); err != nil {
		return 0, goerr.Wrap(model.ErrValidation, "invalid conversation ID",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V("cause", err.Error()))
	}

	unlock, err := uc.lock(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := uc.repo.Entry().DeleteConversation(ctx, conversationID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to delete conversation", goerr.V(model.ConversationIDKey, conversationID))
	}
	uc.unschedule(conversationID)
	return n, nil
}

// Enforce applies the retention policy to one conversation under its lock.
// It is idempotent and clears the conversation from the pending set on
// success.
func (uc *ConversationUseCase) Enforce(ctx context.Context, conversationID types.ConversationID) (int, error) {
	if err := conversationID.Validate(); err != nil {
		return 0, goerr.Wrap(model.ErrValidation, "invalid conversation ID",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V("cause", err.Error()))
	}

	unlock, err := uc.lock(ctx, conversationID)
	if err != nil {
		uc.metrics.ObserveSweep(0, err)
		return 0, err
	}
	defer unlock()

	n, err := uc.evict(ctx, conversationID)
	uc.metrics.ObserveSweep(n, err)
	if err != nil {
		return 0, err
	}

	uc.unschedule(conversationID)
	if n > 0 {
		logging.From(ctx).Info("corrective eviction applied", "conversation_id", conversationID, EvictedKey, n)
	}
	return n, nil
}

// Pending returns the conversations whose eviction failed and has not been
// corrected yet
func (uc *ConversationUseCase) Pending() []types.ConversationID {
	uc.pendingMu.Lock()
	defer uc.pendingMu.Unlock()

	ids := make([]types.ConversationID, 0, len(uc.pending))
	for id := range uc.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OverCapacity lists conversations currently holding more entries than the
// policy allows
func (uc *ConversationUseCase) OverCapacity(ctx context.Context) ([]types.ConversationID, error) {
	ids, err := uc.repo.Entry().ListOverCapacity(ctx, uc.policy.Capacity)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list conversations over capacity")
	}
	return ids, nil
}

// lock acquires the conversation lock within lockTimeout. Running out of
// that time while the caller's context is still live is a conflict.
func (uc *ConversationUseCase) lock(ctx context.Context, conversationID types.ConversationID) (interfaces.UnlockFunc, error) {
	lockCtx, cancel := context.WithTimeout(ctx, uc.lockTimeout)
	defer cancel()

	unlock, err := uc.repo.Entry().LockConversation(lockCtx, conversationID)
	if err != nil {
		if ctx.Err() == nil && errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
			return nil, goerr.Wrap(model.ErrConcurrencyConflict, "timed out waiting for conversation lock",
				goerr.V(model.ConversationIDKey, conversationID),
				goerr.V(LockTimeoutKey, uc.lockTimeout.String()),
				goerr.V("cause", err.Error()))
		}
		return nil, goerr.Wrap(err, "failed to lock conversation", goerr.V(model.ConversationIDKey, conversationID))
	}
	return unlock, nil
}

// evict deletes the oldest entries beyond capacity. The caller holds the
// conversation lock. IDs in keep are never evicted.
func (uc *ConversationUseCase) evict(ctx context.Context, conversationID types.ConversationID, keep ...model.EntryID) (int, error) {
	count, err := uc.repo.Entry().Count(ctx, conversationID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count entries", goerr.V(model.ConversationIDKey, conversationID))
	}

	excess := uc.policy.Excess(count)
	if excess == 0 {
		return 0, nil
	}

	ids, err := uc.repo.Entry().OldestIDs(ctx, conversationID, excess, keep...)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to find oldest entries",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V(model.CountKey, count))
	}

	n, err := uc.repo.Entry().DeleteByIDs(ctx, conversationID, ids)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to evict entries",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V("ids", ids))
	}
	return n, nil
}

func (uc *ConversationUseCase) schedule(ctx context.Context, conversationID types.ConversationID) {
	uc.pendingMu.Lock()
	uc.pending[conversationID] = struct{}{}
	uc.pendingMu.Unlock()

	if !uc.retryNow {
		return
	}
	async.Dispatch(ctx, func(ctx context.Context) error {
		if _, err := uc.Enforce(ctx, conversationID); err != nil {
			return goerr.Wrap(err, "immediate corrective eviction failed, left pending",
				goerr.V(model.ConversationIDKey, conversationID))
		}
		return nil
	})
}

func (uc *ConversationUseCase) unschedule(conversationID types.ConversationID) {
	uc.pendingMu.Lock()
	defer uc.pendingMu.Unlock()
	delete(uc.pending, conversationID)
}
