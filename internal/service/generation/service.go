// Package generation fronts the Generation Service: it builds chat sessions
// over eino chat models, optionally grounded in a retrieval corpus.
package generation

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
)

// SafetyProfile selects the content-filter thresholds of a session.
type SafetyProfile int

const (
	// SafetyDefault leaves the backend's default thresholds in place.
	SafetyDefault SafetyProfile = iota
	// SafetyRelaxed disables blocking for every harm category. Debate roleplay
	// argues contested positions and would otherwise trip the filters.
	SafetyRelaxed
)

// Retrieval binds a session to a corpus as a retrieval tool.
type Retrieval struct {
	CorpusName        string
	TopK              int32
	DistanceThreshold float64
}

// ChatConfig describes a generation session.
type ChatConfig struct {
	Model     string
	Retrieval *Retrieval
	Safety    SafetyProfile
}

// Session is one generation conversation. It keeps its own history.
type Session interface {
	// Send submits text and returns the complete reply.
	Send(ctx context.Context, text string) (string, error)
	// Stream submits text, hands every chunk to onChunk in arrival order and
	// returns their concatenation.
	Stream(ctx context.Context, text string, onChunk func(string)) (string, error)
	// Grounded reports whether the session has a retrieval tool.
	Grounded() bool
}

// Service starts generation sessions.
type Service interface {
	StartChat(ctx context.Context, cfg ChatConfig) (Session, error)
}

// ModelFactory builds the eino chat model backing a session.
type ModelFactory func(ctx context.Context, cfg ChatConfig) (model.BaseChatModel, error)

// ModelService implements Service on top of a ModelFactory.
type ModelService struct {
	factory ModelFactory
}

// NewModelService creates a Service whose sessions use models from factory.
func NewModelService(factory ModelFactory) *ModelService {
	return &ModelService{factory: factory}
}

// StartChat builds a model for cfg and wraps it in a fresh session.
func (s *ModelService) StartChat(ctx context.Context, cfg ChatConfig) (Session, error) {
	chatModel, err := s.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return newChatSession(chatModel, cfg.Retrieval != nil), nil
}
