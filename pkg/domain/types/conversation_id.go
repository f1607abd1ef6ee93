package types

import (
	"strings"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// ConversationID groups log entries into one conversation. It is always a
// lowercase canonical UUID string.
type ConversationID string

// NewConversationID generates a new random ConversationID
func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

// ParseConversationID parses s and returns its canonical form
func ParseConversationID(s string) (ConversationID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", goerr.Wrap(err, "conversation ID must be a UUID", goerr.V("conversation_id", s))
	}
	return ConversationID(id.String()), nil
}

// Validate checks if the ConversationID is a canonical UUID
func (c ConversationID) Validate() error {
	if c == "" {
		return goerr.New("conversation ID cannot be empty")
	}
	parsed, err := ParseConversationID(string(c))
	if err != nil {
		return err
	}
	if parsed != c {
		return goerr.New("conversation ID must be in canonical form", goerr.V("conversation_id", c))
	}
	return nil
}

// String returns the string representation of ConversationID
func (c ConversationID) String() string {
	return string(c)
}
