package interfaces

import (
	"context"

	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// UnlockFunc releases a conversation lock. It is safe to call exactly once.
type UnlockFunc func()

// EntryRepository is the storage adapter of the bounded conversation log.
// It exposes storage primitives only; the retention policy itself lives in
// the use case layer and is the same for every backend.
type EntryRepository interface {
	// LockConversation acquires an exclusive lock on one conversation key.
	// Appends and evictions for that key run while holding it. Keys never
	// contend with each other. Blocks until acquired or ctx is done.
	LockConversation(ctx context.Context, conversationID types.ConversationID) (UnlockFunc, error)

	// Insert persists a new entry and returns it with its assigned ID.
	// CreatedAt is kept as given when set, otherwise the current time is used.
	Insert(ctx context.Context, entry *model.Entry) (*model.Entry, error)

	// Count returns the number of entries stored for a conversation
	Count(ctx context.Context, conversationID types.ConversationID) (int, error)

	// OldestIDs returns up to limit entry IDs of a conversation in log order
	// (CreatedAt ascending, then ID ascending), skipping the IDs in exclude.
	OldestIDs(ctx context.Context, conversationID types.ConversationID, limit int, exclude ...model.EntryID) ([]model.EntryID, error)

	// DeleteByIDs removes the given entries of a conversation and returns how
	// many were removed. Unknown IDs are ignored.
	DeleteByIDs(ctx context.Context, conversationID types.ConversationID, ids []model.EntryID) (int, error)

	// List returns all entries of a conversation in log order. An unknown
	// conversation yields an empty slice.
	List(ctx context.Context, conversationID types.ConversationID) ([]*model.Entry, error)

	// DeleteConversation removes every entry of a conversation
	DeleteConversation(ctx context.Context, conversationID types.ConversationID) (int, error)

	// ListOverCapacity returns the conversations holding more than capacity entries
	ListOverCapacity(ctx context.Context, capacity int) ([]types.ConversationID, error)
}
