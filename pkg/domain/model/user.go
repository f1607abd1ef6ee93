package model

import (
	"time"

	"github.com/secmon-lab/convolog/pkg/domain/types"
)

// User is the minimal view of an author kept next to the log so the store
// can enforce referential integrity. Everything else about users lives
// outside this service.
type User struct {
	ID        types.UserID
	Name      string
	CreatedAt time.Time
}
