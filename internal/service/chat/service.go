package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/counterpoint/backend/internal/model/chat"
)

var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Service keeps debate transcripts in memory.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
}

// NewService bootstraps the in-memory transcript store.
func NewService() *Service {
	return &Service{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

// EnsureConversation returns the conversation record, creating it on first use.
// An owner key is only recorded when the conversation is created.
func (s *Service) EnsureConversation(_ context.Context, conversationID, ownerKey string) (chat.Conversation, error) {
	if conversationID == "" {
		return chat.Conversation{}, ErrConversationRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok {
		return conv, nil
	}

	conv := chat.Conversation{
		ID:        conversationID,
		OwnerKey:  ownerKey,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conversationID] = conv
	s.messages[conversationID] = make([]chat.Message, 0, 16)
	return conv, nil
}

// SaveMessage appends a message to the conversation history.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) error {
	if message.ConversationID == "" {
		return ErrConversationRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[message.ConversationID]; !ok {
		return ErrConversationNotFound
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	s.messages[message.ConversationID] = append(s.messages[message.ConversationID], message)
	return nil
}

// RecordTurn stores one user message and the reply it received, creating the
// conversation record if needed.
func (s *Service) RecordTurn(ctx context.Context, conversationID, userText, reply string) error {
	if _, err := s.EnsureConversation(ctx, conversationID, ""); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.SaveMessage(ctx, chat.Message{
		ConversationID: conversationID,
		Sender:         chat.SenderUser,
		Content:        userText,
		CreatedAt:      now,
	}); err != nil {
		return err
	}

	return s.SaveMessage(ctx, chat.Message{
		ConversationID: conversationID,
		Sender:         chat.SenderAssistant,
		Content:        reply,
		CreatedAt:      now,
	})
}

// GetConversation retrieves a conversation record by identifier.
func (s *Service) GetConversation(_ context.Context, conversationID string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// LoadTranscript returns stored messages for the provided conversation.
func (s *Service) LoadTranscript(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}
