package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
)

const (
	conversationsCollection = "conversations"
	entriesCollection       = "entries"
	locksCollection         = "conversation_locks"
	countersCollection      = "counters"
	usersCollection         = "users"
	entryCounterDoc         = "entry_counter"
)

type Firestore struct {
	client *firestore.Client
	names  *collections
	entry  *entryRepository
	user   *userRepository
}

var _ interfaces.Repository = &Firestore{}

type Option func(*Firestore)

// WithCollectionPrefix prepends prefix to every top-level collection name
func WithCollectionPrefix(prefix string) Option {
	return func(f *Firestore) {
		f.names.prefix = prefix
	}
}

// WithLockLease sets how long a conversation lock is valid before another
// holder may take it over
func WithLockLease(lease time.Duration) Option {
	return func(f *Firestore) {
		if lease > 0 {
			f.entry.lease = lease
		}
	}
}

func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("projectID", projectID), goerr.V("databaseID", databaseID))
	}

	names := &collections{client: client}
	userRepo := newUserRepository(client, names)
	f := &Firestore{
		client: client,
		names:  names,
		entry:  newEntryRepository(client, names),
		user:   userRepo,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

func (f *Firestore) Entry() interfaces.EntryRepository {
	return f.entry
}

func (f *Firestore) User() interfaces.UserRepository {
	return f.user
}

func (f *Firestore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// collections resolves collection references with the configured prefix
type collections struct {
	client *firestore.Client
	prefix string
}

func (c *collections) named(name string) *firestore.CollectionRef {
	if c.prefix != "" {
		name = c.prefix + "_" + name
	}
	return c.client.Collection(name)
}

func (c *collections) conversations() *firestore.CollectionRef {
	return c.named(conversationsCollection)
}

func (c *collections) entries(conversationID string) *firestore.CollectionRef {
	return c.conversations().Doc(conversationID).Collection(entriesCollection)
}

func (c *collections) locks() *firestore.CollectionRef {
	return c.named(locksCollection)
}

func (c *collections) counter() *firestore.DocumentRef {
	return c.named(countersCollection).Doc(entryCounterDoc)
}

func (c *collections) users() *firestore.CollectionRef {
	return c.named(usersCollection)
}
