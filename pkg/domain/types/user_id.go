package types

import (
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
)

// MaxUserIDLength bounds UserID so it fits indexed key columns of every SQL backend
const MaxUserIDLength = 128

// UserID references a user owned by an external collaborator. The value is
// opaque; only its shape is checked here.
type UserID string

// Validate checks if the UserID is well-formed
func (u UserID) Validate() error {
	if u == "" {
		return goerr.New("user ID cannot be empty")
	}
	if strings.TrimSpace(string(u)) != string(u) {
		return goerr.New("user ID must not have surrounding whitespace", goerr.V("user_id", u))
	}
	if utf8.RuneCountInString(string(u)) > MaxUserIDLength {
		return goerr.New("user ID is too long", goerr.V("user_id", u), goerr.V("max", MaxUserIDLength))
	}
	return nil
}

// String returns the string representation of UserID
func (u UserID) String() string {
	return string(u)
}
