package usecase

import (
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
)

type UseCases struct {
	repo             interfaces.Repository
	conversationOpts []ConversationOption
	Conversation     *ConversationUseCase
	User             *UserUseCase
}

type Option func(*UseCases)

// WithConversationOptions configures the conversation log use case
func WithConversationOptions(opts ...ConversationOption) Option {
	return func(uc *UseCases) {
		uc.conversationOpts = append(uc.conversationOpts, opts...)
	}
}

func New(repo interfaces.Repository, opts ...Option) *UseCases {
	uc := &UseCases{
		repo: repo,
	}

	for _, opt := range opts {
		opt(uc)
	}

	uc.Conversation = NewConversationUseCase(repo, uc.conversationOpts...)
	uc.User = NewUserUseCase(repo)

	return uc
}
