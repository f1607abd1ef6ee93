package usecase

import "errors"

// Sentinel errors for use case layer
var (
	// ErrEvictionPending marks an append whose entry was stored but whose
	// eviction failed. It is always joined with model.ErrTransientStore, and
	// the created entry is returned alongside it.
	ErrEvictionPending = errors.New("eviction pending")
)

// Context keys for error values
const (
	LockTimeoutKey = "lock_timeout"
	EvictedKey     = "evicted"
)
