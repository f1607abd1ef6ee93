package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
	"github.com/secmon-lab/convolog/pkg/utils/logging"
	"github.com/secmon-lab/convolog/pkg/utils/metrics"
)

// DefaultMaxBodyBytes caps request bodies
const DefaultMaxBodyBytes int64 = 8 << 20

// ConversationUseCase is the conversation log as seen by the HTTP layer
type ConversationUseCase interface {
	Append(ctx context.Context, conversationID types.ConversationID, authorUserID types.UserID, content string) (*model.Entry, error)
	ListEntries(ctx context.Context, conversationID types.ConversationID) ([]*model.Entry, error)
	DeleteConversation(ctx context.Context, conversationID types.ConversationID) (int, error)
}

// UserUseCase manages entry authors
type UserUseCase interface {
	PutUser(ctx context.Context, id types.UserID, name string) (*model.User, error)
	GetUser(ctx context.Context, id types.UserID) (*model.User, error)
}

type Server struct {
	router       *chi.Mux
	conversation ConversationUseCase
	user         UserUseCase
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

type Options func(*Server)

// WithMetrics exposes m on /metrics
func WithMetrics(m *metrics.Metrics) Options {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithMaxBodyBytes(n int64) Options {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

func New(conversation ConversationUseCase, user UserUseCase, opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:       r,
		conversation: conversation,
		user:         user,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Post("/entries", s.appendEntryHandler)
			r.Get("/entries", s.listEntriesHandler)
			r.Delete("/", s.deleteConversationHandler)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Put("/", s.putUserHandler)
			r.Get("/", s.getUserHandler)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLogger is a middleware that logs HTTP requests. Handlers get a
// logger carrying the request ID through the context.
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		logger := logging.Default().With("request_id", middleware.GetReqID(r.Context()))
		r = r.WithContext(logging.With(r.Context(), logger))

		defer func() {
			logger.Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}
