package memory

import (
	"github.com/secmon-lab/convolog/pkg/domain/interfaces"
)

// Memory is an in-process repository for development and tests
type Memory struct {
	entry *entryRepository
	user  *userRepository
}

var _ interfaces.Repository = &Memory{}

func New() *Memory {
	userRepo := newUserRepository()
	return &Memory{
		entry: newEntryRepository(userRepo),
		user:  userRepo,
	}
}

func (m *Memory) Entry() interfaces.EntryRepository {
	return m.entry
}

func (m *Memory) User() interfaces.UserRepository {
	return m.user
}

func (m *Memory) Close() error {
	return nil
}
