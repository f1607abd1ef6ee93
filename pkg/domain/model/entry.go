package model

import (
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// EntryID is assigned by the store in insertion order and never reused
type EntryID int64

// Entry is one stored message of a conversation log.
// Entries are never updated; they are removed only by eviction or when the
// whole conversation is deleted.
type Entry struct {
	ID             EntryID
	ConversationID types.ConversationID
	AuthorUserID   types.UserID
	Content        string
	CreatedAt      time.Time
}

// Validate checks the caller-supplied fields of an entry
func (e *Entry) Validate() error {
	if err := e.ConversationID.Validate(); err != nil {
		return goerr.Wrap(ErrValidation, "invalid conversation ID",
			goerr.V(ConversationIDKey, e.ConversationID), goerr.V("cause", err.Error()))
	}
	if err := e.AuthorUserID.Validate(); err != nil {
		return goerr.Wrap(ErrValidation, "invalid author user ID",
			goerr.V(UserIDKey, e.AuthorUserID), goerr.V("cause", err.Error()))
	}
	if strings.TrimSpace(e.Content) == "" {
		return goerr.Wrap(ErrValidation, "content is required", goerr.V(ConversationIDKey, e.ConversationID))
	}
	return nil
}

// Copy returns a shallow copy of the entry
func (e *Entry) Copy() *Entry {
	copied := *e
	return &copied
}

// EntryLess reports whether a precedes b in log order: CreatedAt ascending,
// then ID ascending.
func EntryLess(a, b *Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortEntries sorts entries into log order (oldest first)
func SortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return EntryLess(entries[i], entries[j])
	})
}

// TimestampPrecision is the resolution every backend stores CreatedAt with
const TimestampPrecision = time.Microsecond

// NormalizeTimestamp returns t in UTC truncated to TimestampPrecision
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}
