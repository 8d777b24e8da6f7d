package chat

import "time"

// Conversation is the transcript record of one debate. OwnerKey is opaque:
// the store does not interpret it.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerKey  string    `json:"ownerKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
