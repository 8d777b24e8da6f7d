package dialogue

import (
	"sync"
	"time"

	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
	"github.com/zhouzirui/counterpoint/backend/internal/service/generation"
)

// State is the lifecycle position of a conversation.
type State int

const (
	// StateFresh means no turn has been processed yet.
	StateFresh State = iota
	// StateBound means stance, subject and session are fixed.
	StateBound
)

func (s State) String() string {
	if s == StateBound {
		return "bound"
	}
	return "fresh"
}

// ConversationSession is the per-conversation state owned by the registry.
// turn serialises turns; mu guards the fields so snapshots do not wait for an
// in-flight generation.
type ConversationSession struct {
	id   string
	turn sync.Mutex

	mu        sync.RWMutex
	state     State
	stance    debate.Stance
	subject   string
	corpus    *debate.CorpusHandle
	bound     generation.Session
	turnIndex int
	streaming bool
	createdAt time.Time
	updatedAt time.Time
}

func newConversationSession(id string, streaming bool, now time.Time) *ConversationSession {
	return &ConversationSession{
		id:        id,
		state:     StateFresh,
		streaming: streaming,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the conversation identifier.
func (s *ConversationSession) ID() string {
	return s.id
}

// Snapshot is a read-only view of a conversation.
type Snapshot struct {
	ConversationID   string               `json:"conversationId"`
	State            string               `json:"state"`
	Stance           debate.Stance        `json:"stance,omitempty"`
	Subject          string               `json:"subject,omitempty"`
	Corpus           *debate.CorpusHandle `json:"corpus,omitempty"`
	TurnIndex        int                  `json:"turnIndex"`
	StreamingEnabled bool                 `json:"streamingEnabled"`
	Grounded         bool                 `json:"grounded"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// Snapshot copies the current state.
func (s *ConversationSession) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ConversationID:   s.id,
		State:            s.state.String(),
		Stance:           s.stance,
		Subject:          s.subject,
		TurnIndex:        s.turnIndex,
		StreamingEnabled: s.streaming,
		Grounded:         s.bound != nil && s.bound.Grounded(),
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
	if s.corpus != nil {
		corpus := *s.corpus
		snap.Corpus = &corpus
	}
	return snap
}

func (s *ConversationSession) fresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateFresh
}

func (s *ConversationSession) session() generation.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

func (s *ConversationSession) streamingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

func (s *ConversationSession) setStreaming(enabled bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = enabled
	s.updatedAt = now
}

// bind performs the one FRESH to BOUND transition. Later calls are ignored.
func (s *ConversationSession) bind(stance debate.Stance, subject string, corpus *debate.CorpusHandle, bound generation.Session, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFresh {
		return
	}
	s.state = StateBound
	s.stance = stance
	s.subject = subject
	s.corpus = corpus
	s.bound = bound
	s.updatedAt = now
}

func (s *ConversationSession) advance(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnIndex++
	s.updatedAt = now
}
