package sqldb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// created_at columns hold Unix microseconds so every dialect orders and
// round-trips timestamps identically.

type entryRepository struct {
	db      *sql.DB
	dialect Dialect
}

func newEntryRepository(db *sql.DB, dialect Dialect) *entryRepository {
	return &entryRepository{db: db, dialect: dialect}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (r *entryRepository) LockConversation(ctx context.Context, conversationID types.ConversationID) (interfaces.UnlockFunc, error) {
	unlock, err := r.dialect.Lock(ctx, r.db, conversationID)
	if err != nil {
		return nil, classify(r.dialect, err, "failed to lock conversation", goerr.V(model.ConversationIDKey, conversationID))
	}
	return unlock, nil
}

func (r *entryRepository) Insert(ctx context.Context, entry *model.Entry) (*model.Entry, error) {
	created := entry.Copy()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	created.CreatedAt = model.NormalizeTimestamp(created.CreatedAt)

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO conversation_entries (conversation_id, author_user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		created.ConversationID.String(),
		created.AuthorUserID.String(),
		created.Content,
		created.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return nil, classify(r.dialect, err, "failed to insert entry",
			goerr.V(model.ConversationIDKey, created.ConversationID),
			goerr.V(model.UserIDKey, created.AuthorUserID))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, classify(r.dialect, err, "failed to get inserted entry ID")
	}
	created.ID = model.EntryID(id)

	return created, nil
}

func (r *entryRepository) Count(ctx context.Context, conversationID types.ConversationID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_entries WHERE conversation_id = ?`,
		conversationID.String(),
	).Scan(&n)
	if err != nil {
		return 0, classify(r.dialect, err, "failed to count entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	return n, nil
}

func (r *entryRepository) OldestIDs(ctx context.Context, conversationID types.ConversationID, limit int, exclude ...model.EntryID) ([]model.EntryID, error) {
	query := `SELECT id FROM conversation_entries WHERE conversation_id = ?`
	args := []any{conversationID.String()}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, int64(id))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(r.dialect, err, "failed to query oldest entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	defer rows.Close()

	ids := make([]model.EntryID, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(r.dialect, err, "failed to scan entry ID")
		}
		ids = append(ids, model.EntryID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(r.dialect, err, "failed to iterate oldest entries")
	}
	return ids, nil
}

func (r *entryRepository) DeleteByIDs(ctx context.Context, conversationID types.ConversationID, ids []model.EntryID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID.String())
	for _, id := range ids {
		args = append(args, int64(id))
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_entries WHERE conversation_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, classify(r.dialect, err, "failed to delete entries",
			goerr.V(model.ConversationIDKey, conversationID), goerr.V("ids", ids))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(r.dialect, err, "failed to get deleted row count")
	}
	return int(n), nil
}

func (r *entryRepository) List(ctx context.Context, conversationID types.ConversationID) ([]*model.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, author_user_id, content, created_at
		 FROM conversation_entries
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`,
		conversationID.String(),
	)
	if err != nil {
		return nil, classify(r.dialect, err, "failed to list entries", goerr.V(model.ConversationIDKey, conversationID))
	}
	defer rows.Close()

	entries := make([]*model.Entry, 0)
	for rows.Next() {
		var (
			e         model.Entry
			id        int64
			convID    string
			author    string
			createdUS int64
		)
		if err := rows.Scan(&id, &convID, &author, &e.Content, &createdUS); err != nil {
			return nil, classify(r.dialect, err, "failed to scan entry")
		}
		e.ID = model.EntryID(id)
		e.ConversationID = types.ConversationID(convID)
		e.AuthorUserID = types.UserID(author)
		e.CreatedAt = time.UnixMicro(createdUS).UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(r.dialect, err, "failed to iterate entries")
	}
	return entries, nil
}

func (r *entryRepository) DeleteConversation(ctx context.Context, conversationID types.ConversationID) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_entries WHERE conversation_id = ?`,
		conversationID.String(),
	)
	if err != nil {
		return 0, classify(r.dialect, err, "failed to delete conversation", goerr.V(model.ConversationIDKey, conversationID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(r.dialect, err, "failed to get deleted row count")
	}
	return int(n), nil
}

func (r *entryRepository) ListOverCapacity(ctx context.Context, capacity int) ([]types.ConversationID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_entries
		 GROUP BY conversation_id
		 HAVING COUNT(*) > ?`,
		capacity,
	)
	if err != nil {
		return nil, classify(r.dialect, err, "failed to list conversations over capacity", goerr.V(model.CapacityKey, capacity))
	}
	defer rows.Close()

	var ids []types.ConversationID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(r.dialect, err, "failed to scan conversation ID")
		}
		ids = append(ids, types.ConversationID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(r.dialect, err, "failed to iterate conversation IDs")
	}
	return ids, nil
}
