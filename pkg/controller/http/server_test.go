package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	httpctrl "github.com/secmon-lab/convolog/pkg/controller/http"
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/repository/memory"
	"github.com/secmon-lab/convolog/pkg/usecase"
	"github.com/secmon-lab/convolog/pkg/utils/metrics"
)

type entryJSON struct {
	ID              int64  `json:"id"`
	ConversationID  string `json:"conversation_id"`
	AuthorUserID    string `json:"author_user_id"`
	Content         string `json:"content"`
	EvictionPending bool   `json:"eviction_pending"`
}

type errorJSON struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func setupServer(t *testing.T, repo interfaces.Repository, opts ...usecase.ConversationOption) http.Handler {
	t.Helper()
	uc := usecase.New(repo, usecase.WithConversationOptions(opts...))
	return httpctrl.New(uc.Conversation, uc.User, httpctrl.WithMetrics(metrics.New("test")))
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		gt.NoError(t, err).Required()
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func putTestUser(t *testing.T, h http.Handler, id string) {
	t.Helper()
	w := doRequest(t, h, http.MethodPut, "/api/v1/users/"+id, map[string]string{"name": id})
	gt.Number(t, w.Code).Equal(http.StatusOK)
}

func TestAppendAndList(t *testing.T) {
	h := setupServer(t, memory.New())
	putTestUser(t, h, "U1")
	convID := types.NewConversationID()
	path := "/api/v1/conversations/" + convID.String() + "/entries"

	for _, content := range []string{"hello", "world"} {
		w := doRequest(t, h, http.MethodPost, path, map[string]string{
			"author_user_id": "U1",
			"content":        content,
		})
		gt.Number(t, w.Code).Equal(http.StatusCreated)

		var resp entryJSON
		gt.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp)).Required()
		gt.Value(t, resp.Content).Equal(content)
		gt.Value(t, resp.ConversationID).Equal(convID.String())
		gt.Bool(t, resp.EvictionPending).False()
	}

	w := doRequest(t, h, http.MethodGet, path, nil)
	gt.Number(t, w.Code).Equal(http.StatusOK)

	var list struct {
		Entries []entryJSON `json:"entries"`
	}
	gt.NoError(t, json.Unmarshal(w.Body.Bytes(), &list)).Required()
	gt.Array(t, list.Entries).Length(2)
	gt.Value(t, list.Entries[0].Content).Equal("hello")
	gt.Value(t, list.Entries[1].Content).Equal("world")
}

func TestListUnknownConversation(t *testing.T) {
	h := setupServer(t, memory.New())

	w := doRequest(t, h, http.MethodGet, "/api/v1/conversations/"+types.NewConversationID().String()+"/entries", nil)
	gt.Number(t, w.Code).Equal(http.StatusOK)
	gt.String(t, w.Body.String()).Contains(`"entries":[]`)
}

func TestErrorStatusCodes(t *testing.T) {
	h := setupServer(t, memory.New())
	putTestUser(t, h, "U1")
	convPath := "/api/v1/conversations/" + types.NewConversationID().String() + "/entries"

	testCases := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{
			name:   "empty content",
			path:   convPath,
			body:   map[string]string{"author_user_id": "U1", "content": ""},
			status: http.StatusBadRequest,
			kind:   "validation",
		},
		{
			name:   "malformed conversation ID",
			path:   "/api/v1/conversations/not-a-uuid/entries",
			body:   map[string]string{"author_user_id": "U1", "content": "x"},
			status: http.StatusBadRequest,
			kind:   "validation",
		},
		{
			name:   "unknown field",
			path:   convPath,
			body:   map[string]string{"author": "U1", "content": "x"},
			status: http.StatusBadRequest,
			kind:   "validation",
		},
		{
			name:   "unknown author",
			path:   convPath,
			body:   map[string]string{"author_user_id": "ghost", "content": "x"},
			status: http.StatusUnprocessableEntity,
			kind:   "referential",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, h, http.MethodPost, tc.path, tc.body)
			gt.Number(t, w.Code).Equal(tc.status)

			var resp errorJSON
			gt.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp)).Required()
			gt.Value(t, resp.Kind).Equal(tc.kind)
		})
	}
}

// failingDeleteRepository fails every eviction
type failingDeleteRepository struct {
	interfaces.Repository
}

type failingDeleteEntryRepository struct {
	interfaces.EntryRepository
}

func (r *failingDeleteRepository) Entry() interfaces.EntryRepository {
	return &failingDeleteEntryRepository{EntryRepository: r.Repository.Entry()}
}

func (r *failingDeleteEntryRepository) DeleteByIDs(ctx context.Context, _ types.ConversationID, _ []model.EntryID) (int, error) {
	return 0, goerr.Wrap(model.ErrTransientStore, "store unavailable")
}

func TestAppendWithDeferredEviction(t *testing.T) {
	repo := &failingDeleteRepository{Repository: memory.New()}
	h := setupServer(t, repo,
		usecase.WithRetentionPolicy(model.RetentionPolicy{Capacity: 1}),
		usecase.WithImmediateRetry(false))
	putTestUser(t, h, "U1")
	path := "/api/v1/conversations/" + types.NewConversationID().String() + "/entries"

	w := doRequest(t, h, http.MethodPost, path, map[string]string{"author_user_id": "U1", "content": "first"})
	gt.Number(t, w.Code).Equal(http.StatusCreated)

	w = doRequest(t, h, http.MethodPost, path, map[string]string{"author_user_id": "U1", "content": "second"})
	gt.Number(t, w.Code).Equal(http.StatusCreated)

	var resp entryJSON
	gt.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp)).Required()
	gt.Value(t, resp.Content).Equal("second")
	gt.Bool(t, resp.EvictionPending).True()
}

func TestDeleteConversation(t *testing.T) {
	h := setupServer(t, memory.New())
	putTestUser(t, h, "U1")
	convID := types.NewConversationID().String()

	for range 3 {
		w := doRequest(t, h, http.MethodPost, "/api/v1/conversations/"+convID+"/entries",
			map[string]string{"author_user_id": "U1", "content": "bye"})
		gt.Number(t, w.Code).Equal(http.StatusCreated)
	}

	w := doRequest(t, h, http.MethodDelete, "/api/v1/conversations/"+convID, nil)
	gt.Number(t, w.Code).Equal(http.StatusOK)
	gt.String(t, w.Body.String()).Contains(`"deleted":3`)
}

func TestUsers(t *testing.T) {
	h := setupServer(t, memory.New())

	w := doRequest(t, h, http.MethodGet, "/api/v1/users/U404", nil)
	gt.Number(t, w.Code).Equal(http.StatusNotFound)

	putTestUser(t, h, "U1")
	w = doRequest(t, h, http.MethodGet, "/api/v1/users/U1", nil)
	gt.Number(t, w.Code).Equal(http.StatusOK)
	gt.String(t, w.Body.String()).Contains(`"id":"U1"`)
}

func TestHealthAndMetrics(t *testing.T) {
	h := setupServer(t, memory.New())

	w := doRequest(t, h, http.MethodGet, "/health", nil)
	gt.Number(t, w.Code).Equal(http.StatusOK)

	w = doRequest(t, h, http.MethodGet, "/metrics", nil)
	gt.Number(t, w.Code).Equal(http.StatusOK)
	gt.Bool(t, strings.Contains(w.Body.String(), "test_entries_appended_total")).True()
}
