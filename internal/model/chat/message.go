package chat

import "time"

// Senders recorded in a transcript.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Message persists individual turns for audit/debug.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}
