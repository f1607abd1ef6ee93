package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/errutil"
)

type putUserRequest struct {
	Name string `json:"name"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID.String(),
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
	}
}

func (s *Server) putUserHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req putUserRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	user, err := s.user.PutUser(ctx, types.UserID(chi.URLParam(r, "userID")), req.Name)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, toUserResponse(user))
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := s.user.GetUser(ctx, types.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, toUserResponse(user))
}
