package interfaces

import "context"

// Repository defines the interface for data persistence
type Repository interface {
	Entry() EntryRepository
	User() UserRepository

	Close() error
}

// Migrator is implemented by backends that own a schema
type Migrator interface {
	// Schema returns the statements Migrate would apply
	Schema() []string

	// Migrate applies the schema idempotently
	Migrate(ctx context.Context) error
}
