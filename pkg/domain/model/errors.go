package model

import "github.com/m-mizutani/goerr/v2"

// Error taxonomy shared by every layer. Repositories classify driver errors
// into these sentinels; callers match them with errors.Is.
var (
	// ErrValidation is returned for malformed input, before any mutation
	ErrValidation = goerr.New("validation error")

	// ErrReferential is returned when the author user does not exist
	ErrReferential = goerr.New("referential error")

	// ErrConcurrencyConflict is returned when the per-conversation unit could not
	// be serialized against a competing append. The whole call may be retried.
	ErrConcurrencyConflict = goerr.New("concurrency conflict")

	// ErrTransientStore is returned when the store is unreachable or overloaded
	ErrTransientStore = goerr.New("transient store error")

	// ErrNotFound is returned when a looked-up record does not exist
	ErrNotFound = goerr.New("not found")
)

// Context keys for error values
const (
	ConversationIDKey = "conversation_id"
	UserIDKey         = "user_id"
	EntryIDKey        = "entry_id"
	CountKey          = "count"
	CapacityKey       = "capacity"
)
