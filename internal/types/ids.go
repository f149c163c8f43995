// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ConversationID string
type CustomerID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

// ParseConversationID accepts any non-empty identifier; conversation ids
// minted by the panel are uuids but older tenants use numeric ids.
func ParseConversationID(s string) (ConversationID, bool) {
	if s == "" {
		return "", false
	}
	return ConversationID(s), true
}
