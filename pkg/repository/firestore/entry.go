package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/keylock"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type entryRepository struct {
	client *firestore.Client
	names  *collections
	local  *keylock.Locker
	lease  time.Duration
}

var _ interfaces.EntryRepository = &entryRepository{}

func newEntryRepository(client *firestore.Client, names *collections) *entryRepository {
	return &entryRepository{
		client: client,
		names:  names,
		local:  keylock.New(),
		lease:  defaultLockLease,
	}
}

// entryDoc is the Firestore persistence model
type entryDoc struct {
	ID             int64     `firestore:"ID"`
	ConversationID string    `firestore:"ConversationID"`
	AuthorUserID   string    `firestore:"AuthorUserID"`
	Content        string    `firestore:"Content"`
	CreatedAt      time.Time `firestore:"CreatedAt"`
}

// conversationDoc is the parent document of an entries subcollection
type conversationDoc struct {
	ConversationID string    `firestore:"ConversationID"`
	LastEntryAt    time.Time `firestore:"LastEntryAt"`
}

func toEntryDoc(e *model.Entry) *entryDoc {
	return &entryDoc{
		ID:             int64(e.ID),
		ConversationID: e.ConversationID.String(),
		AuthorUserID:   e.AuthorUserID.String(),
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
	}
}

func (d *entryDoc) toModel() *model.Entry {
	return &model.Entry{
		ID:             model.EntryID(d.ID),
		ConversationID: types.ConversationID(d.ConversationID),
		AuthorUserID:   types.UserID(d.AuthorUserID),
		Content:        d.Content,
		CreatedAt:      d.CreatedAt.UTC(),
	}
}

func entryDocID(id model.EntryID) string {
	return fmt.Sprintf("%d", id)
}

func (r *entryRepository) logOrder(conversationID types.ConversationID) firestore.Query {
	return r.names.entries(conversationID.String()).
		OrderBy("CreatedAt", firestore.Asc).
		OrderBy("ID", firestore.Asc)
}

// Insert assigns the next ID from the shared counter document and writes the
// entry in the same transaction. The author must exist.
func (r *entryRepository) Insert(ctx context.Context, entry *model.Entry) (*model.Entry, error) {
	created := entry.Copy()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	created.CreatedAt = model.NormalizeTimestamp(created.CreatedAt)

	convID := created.ConversationID.String()
	counterRef := r.names.counter()
	userRef := r.names.users().Doc(created.AuthorUserID.String())
	convRef := r.names.conversations().Doc(convID)

	var authorMissing bool
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		authorMissing = false

		if _, err := tx.Get(userRef); err != nil {
			if status.Code(err) == codes.NotFound {
				authorMissing = true
				return nil
			}
			return err
		}

		var nextID int64 = 1
		counter, err := tx.Get(counterRef)
		switch {
		case err == nil:
			value, err := counter.DataAt("value")
			if err != nil {
				return goerr.Wrap(err, "failed to get counter value")
			}
			current, ok := value.(int64)
			if !ok {
				return goerr.New("counter value is not of type int64", goerr.V("value", value))
			}
			nextID = current + 1
		case status.Code(err) != codes.NotFound:
			return err
		}

		created.ID = model.EntryID(nextID)
		if err := tx.Set(counterRef, map[string]interface{}{"value": nextID}); err != nil {
			return err
		}
		if err := tx.Set(r.names.entries(convID).Doc(entryDocID(created.ID)), toEntryDoc(created)); err != nil {
			return err
		}
		return tx.Set(convRef, &conversationDoc{
			ConversationID: convID,
			LastEntryAt:    created.CreatedAt,
		})
	})
	if err != nil {
		return nil, classify(err, "failed to insert entry",
			goerr.V(model.ConversationIDKey, created.ConversationID),
			goerr.V(model.UserIDKey, created.AuthorUserID))
	}
	if authorMissing {
		return nil, goerr.Wrap(model.ErrReferential, "author user does not exist",
			goerr.V(model.UserIDKey, created.AuthorUserID))
	}

	return created, nil
}

func (r *entryRepository) Count(ctx context.Context, conversationID types.ConversationID) (int, error) {
	docs, err := r.names.entries(conversationID.String()).Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, classify(err, "failed to count entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	return len(docs), nil
}

func (r *entryRepository) OldestIDs(ctx context.Context, conversationID types.ConversationID, limit int, exclude ...model.EntryID) ([]model.EntryID, error) {
	if limit <= 0 {
		return []model.EntryID{}, nil
	}

	skip := make(map[model.EntryID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	iter := r.logOrder(conversationID).Limit(limit + len(exclude)).Documents(ctx)
	defer iter.Stop()

	ids := make([]model.EntryID, 0, limit)
	for len(ids) < limit {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(err, "failed to iterate oldest entries", goerr.V(model.ConversationIDKey, conversationID))
		}

		var doc entryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode entry", goerr.V("docID", snap.Ref.ID))
		}
		id := model.EntryID(doc.ID)
		if _, ok := skip[id]; ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *entryRepository) DeleteByIDs(ctx context.Context, conversationID types.ConversationID, ids []model.EntryID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	col := r.names.entries(conversationID.String())
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = col.Doc(entryDocID(id))
	}

	var deleted int
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		deleted = 0
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err, "failed to delete entries",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V("ids", ids))
	}
	return deleted, nil
}

func (r *entryRepository) List(ctx context.Context, conversationID types.ConversationID) ([]*model.Entry, error) {
	iter := r.logOrder(conversationID).Documents(ctx)
	defer iter.Stop()

	entries := make([]*model.Entry, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(err, "failed to iterate entries", goerr.V(model.ConversationIDKey, conversationID))
		}

		var doc entryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode entry", goerr.V("docID", snap.Ref.ID))
		}
		entries = append(entries, doc.toModel())
	}
	return entries, nil
}

func (r *entryRepository) DeleteConversation(ctx context.Context, conversationID types.ConversationID) (int, error) {
	convID := conversationID.String()
	refs, err := r.names.entries(convID).DocumentRefs(ctx).GetAll()
	if err != nil {
		return 0, classify(err, "failed to list entries for deletion", goerr.V(model.ConversationIDKey, conversationID))
	}

	bulkWriter := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs)+1)
	for _, ref := range refs {
		job, err := bulkWriter.Delete(ref)
		if err != nil {
			bulkWriter.End()
			return 0, goerr.Wrap(err, "failed to add Delete operation to bulk writer")
		}
		jobs = append(jobs, job)
	}
	job, err := bulkWriter.Delete(r.names.conversations().Doc(convID))
	if err != nil {
		bulkWriter.End()
		return 0, goerr.Wrap(err, "failed to add Delete operation to bulk writer")
	}
	jobs = append(jobs, job)

	bulkWriter.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return 0, classify(err, "failed to delete conversation", goerr.V(model.ConversationIDKey, conversationID))
		}
	}
	return len(refs), nil
}

func (r *entryRepository) ListOverCapacity(ctx context.Context, capacity int) ([]types.ConversationID, error) {
	iter := r.names.conversations().DocumentRefs(ctx)

	var ids []types.ConversationID
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(err, "failed to iterate conversations")
		}

		id := types.ConversationID(ref.ID)
		n, err := r.Count(ctx, id)
		if err != nil {
			return nil, err
		}
		if n > capacity {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
