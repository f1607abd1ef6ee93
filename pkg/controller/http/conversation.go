package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/usecase"
	"github.com/secmon-lab/convolog/pkg/utils/errutil"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/secmon-lab/convolog/pkg/utils/safe"
)

type entryResponse struct {
	ID              int64     `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	AuthorUserID    string    `json:"author_user_id"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	EvictionPending bool      `json:"eviction_pending,omitempty"`
}

func toEntryResponse(e *model.Entry) entryResponse {
	return entryResponse{
		ID:             int64(e.ID),
		ConversationID: e.ConversationID.String(),
		AuthorUserID:   e.AuthorUserID.String(),
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
	}
}

type appendEntryRequest struct {
	AuthorUserID string `json:"author_user_id"`
	Content      string `json:"content"`
}

type listEntriesResponse struct {
	Entries []entryResponse `json:"entries"`
}

type deleteConversationResponse struct {
	Deleted int `json:"deleted"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		errutil.HandleHTTP(ctx, w, goerr.Wrap(err, "failed to marshal response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	safe.Write(ctx, w, data)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return goerr.Wrap(model.ErrValidation, "invalid request body", goerr.V("cause", err.Error()))
	}
	return nil
}

func conversationIDParam(r *http.Request) (types.ConversationID, error) {
	raw := chi.URLParam(r, "conversationID")
	id, err := types.ParseConversationID(raw)
	if err != nil {
		return "", goerr.Wrap(model.ErrValidation, "invalid conversation ID",
			goerr.V(model.ConversationIDKey, raw), goerr.V("cause", err.Error()))
	}
	return id, nil
}

func (s *Server) appendEntryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	convID, err := conversationIDParam(r)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	var req appendEntryRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	entry, err := s.conversation.Append(ctx, convID, types.UserID(req.AuthorUserID), req.Content)
	if err != nil {
		// The entry is stored; only its eviction is deferred
		if entry != nil && errors.Is(err, usecase.ErrEvictionPending) {
			errutil.Handle(ctx, err, "eviction deferred after append")
			resp := toEntryResponse(entry)
			resp.EvictionPending = true
			writeJSON(ctx, w, http.StatusCreated, resp)
			return
		}
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	logging.From(ctx).Debug("entry appended", "conversation_id", convID, "entry_id", entry.ID)
	writeJSON(ctx, w, http.StatusCreated, toEntryResponse(entry))
}

func (s *Server) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	convID, err := conversationIDParam(r)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	entries, err := s.conversation.ListEntries(ctx, convID)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	resp := listEntriesResponse{Entries: make([]entryResponse, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = toEntryResponse(e)
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	convID, err := conversationIDParam(r)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	n, err := s.conversation.DeleteConversation(ctx, convID)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, deleteConversationResponse{Deleted: n})
}
