package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/keylock"
)

type entryRepository struct {
	pool  *pgxpool.Pool
	locks *keylock.Locker

	heldMu sync.Mutex
	held   map[types.ConversationID]*lockedSession
}

func newEntryRepository(pool *pgxpool.Pool) *entryRepository {
	return &entryRepository{
		pool:  pool,
		locks: keylock.New(),
		held:  make(map[types.ConversationID]*lockedSession),
	}
}

func (r *entryRepository) Insert(ctx context.Context, entry *model.Entry) (*model.Entry, error) {
	created := entry.Copy()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	created.CreatedAt = model.NormalizeTimestamp(created.CreatedAt)

	err := r.withConversation(created.ConversationID, func(q querier) error {
		return q.QueryRow(ctx,
			`INSERT INTO conversation_entries (conversation_id, author_user_id, content, created_at)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			created.ConversationID.String(),
			created.AuthorUserID.String(),
			created.Content,
			created.CreatedAt,
		).Scan(&created.ID)
	})
	if err != nil {
		return nil, classify(err, "failed to insert entry",
			goerr.V(model.ConversationIDKey, created.ConversationID),
			goerr.V(model.UserIDKey, created.AuthorUserID))
	}

	return created, nil
}

func (r *entryRepository) Count(ctx context.Context, conversationID types.ConversationID) (int, error) {
	var n int64
	err := r.withConversation(conversationID, func(q querier) error {
		return q.QueryRow(ctx,
			`SELECT count(*) FROM conversation_entries WHERE conversation_id = $1`,
			conversationID.String(),
		).Scan(&n)
	})
	if err != nil {
		return 0, classify(err, "failed to count entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	return int(n), nil
}

func (r *entryRepository) OldestIDs(ctx context.Context, conversationID types.ConversationID, limit int, exclude ...model.EntryID) ([]model.EntryID, error) {
	skip := make([]int64, len(exclude))
	for i, id := range exclude {
		skip[i] = int64(id)
	}

	var ids []model.EntryID
	err := r.withConversation(conversationID, func(q querier) error {
		rows, err := q.Query(ctx,
			`SELECT id FROM conversation_entries
			 WHERE conversation_id = $1 AND NOT (id = ANY($2))
			 ORDER BY created_at ASC, id ASC
			 LIMIT $3`,
			conversationID.String(), skip, limit,
		)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[model.EntryID])
		return err
	})
	if err != nil {
		return nil, classify(err, "failed to query oldest entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	return ids, nil
}

func (r *entryRepository) DeleteByIDs(ctx context.Context, conversationID types.ConversationID, ids []model.EntryID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	target := make([]int64, len(ids))
	for i, id := range ids {
		target[i] = int64(id)
	}

	var tag pgconn.CommandTag
	err := r.withConversation(conversationID, func(q querier) error {
		var err error
		tag, err = q.Exec(ctx,
			`DELETE FROM conversation_entries WHERE conversation_id = $1 AND id = ANY($2)`,
			conversationID.String(), target,
		)
		return err
	})
	if err != nil {
		return 0, classify(err, "failed to delete entries",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V("ids", ids))
	}
	return int(tag.RowsAffected()), nil
}

func (r *entryRepository) List(ctx context.Context, conversationID types.ConversationID) ([]*model.Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, conversation_id::text, author_user_id, content, created_at
		 FROM conversation_entries
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC`,
		conversationID.String(),
	)
	if err != nil {
		return nil, classify(err, "failed to list entries", goerr.V(model.ConversationIDKey, conversationID))
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Entry, error) {
		var e model.Entry
		if err := row.Scan(&e.ID, &e.ConversationID, &e.AuthorUserID, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		return &e, nil
	})
	if err != nil {
		return nil, classify(err, "failed to scan entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	return entries, nil
}

func (r *entryRepository) DeleteConversation(ctx context.Context, conversationID types.ConversationID) (int, error) {
	var tag pgconn.CommandTag
	err := r.withConversation(conversationID, func(q querier) error {
		var err error
		tag, err = q.Exec(ctx,
			`DELETE FROM conversation_entries WHERE conversation_id = $1`,
			conversationID.String(),
		)
		return err
	})
	if err != nil {
		return 0, classify(err, "failed to delete conversation", goerr.V(model.ConversationIDKey, conversationID))
	}
	return int(tag.RowsAffected()), nil
}

func (r *entryRepository) ListOverCapacity(ctx context.Context, capacity int) ([]types.ConversationID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id::text FROM conversation_entries
		 GROUP BY conversation_id
		 HAVING count(*) > $1`,
		capacity,
	)
	if err != nil {
		return nil, classify(err, "failed to list conversations over capacity", goerr.V(model.CapacityKey, capacity))
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[types.ConversationID])
	if err != nil {
		return nil, classify(err, "failed to scan conversation IDs")
	}
	return ids, nil
}
