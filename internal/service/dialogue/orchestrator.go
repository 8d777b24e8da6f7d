// Package dialogue runs debate conversations: the first turn classifies the
// opening message, provisions a corpus and binds a generation session; later
// turns talk to that session directly.
package dialogue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
	"github.com/zhouzirui/counterpoint/backend/internal/service/generation"
)

const errorPrefix = "Error: "

// StanceClassifier infers the position the system should take.
type StanceClassifier interface {
	Classify(ctx context.Context, text string) debate.ClassificationResult
}

// CorpusProvisioner prepares a retrieval corpus. nil means none is available.
type CorpusProvisioner interface {
	Provision(ctx context.Context, subject string, stance debate.Stance) *debate.CorpusHandle
}

// SessionBinder attaches a generation session to an optional corpus.
type SessionBinder interface {
	Bind(ctx context.Context, corpus *debate.CorpusHandle) generation.Session
}

// TranscriptRecorder stores completed turns.
type TranscriptRecorder interface {
	RecordTurn(ctx context.Context, conversationID, userText, reply string) error
}

// Dependencies are the collaborators of an Orchestrator. Recorder is optional.
type Dependencies struct {
	Classifier  StanceClassifier
	Provisioner CorpusProvisioner
	Binder      SessionBinder
	Recorder    TranscriptRecorder
}

// Config tunes generation calls.
type Config struct {
	// GenerationTimeout bounds each generation attempt.
	GenerationTimeout time.Duration
	// MaxAttempts bounds attempts on content rejection from a grounded session.
	MaxAttempts int
}

// Reply is the outcome of one SubmitTurn call.
type Reply struct {
	ConversationID string  `json:"conversation_id"`
	Text           string  `json:"response"`
	Command        Command `json:"command,omitempty"`
	Streamed       bool    `json:"streamed"`
	// Failed marks replies carrying an error message.
	Failed bool `json:"failed"`
}

// TurnOption customises one SubmitTurn call.
type TurnOption func(*turnOptions)

type turnOptions struct {
	onChunk func(string)
	onRetry func(attempt int)
	stream  *bool
}

// WithChunkHandler receives streamed chunks in arrival order.
func WithChunkHandler(fn func(chunk string)) TurnOption {
	return func(o *turnOptions) {
		o.onChunk = fn
	}
}

// WithRetryHandler is called before a rejected attempt is retried. Chunks
// already delivered for that attempt should be discarded.
func WithRetryHandler(fn func(attempt int)) TurnOption {
	return func(o *turnOptions) {
		o.onRetry = fn
	}
}

// WithStream overrides the conversation's streaming toggle for one turn.
func WithStream(enabled bool) TurnOption {
	return func(o *turnOptions) {
		o.stream = &enabled
	}
}

// Orchestrator drives conversations held in a Registry.
type Orchestrator struct {
	registry    *Registry
	classifier  StanceClassifier
	provisioner CorpusProvisioner
	binder      SessionBinder
	recorder    TranscriptRecorder
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(registry *Registry, deps Dependencies, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Orchestrator{
		registry:    registry,
		classifier:  deps.Classifier,
		provisioner: deps.Provisioner,
		binder:      deps.Binder,
		recorder:    deps.Recorder,
		cfg:         cfg,
		logger:      logging.OrNop(logger).Named("dialogue"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot returns the state of a conversation, if it exists.
func (o *Orchestrator) Snapshot(conversationID string) (Snapshot, bool) {
	session, ok := o.registry.Lookup(conversationID)
	if !ok {
		return Snapshot{}, false
	}
	return session.Snapshot(), true
}

// SubmitTurn processes one user message. It never fails: collaborator
// failures degrade the conversation and generation failures come back as a
// reply prefixed with "Error: ". An empty conversationID starts a new
// conversation under a generated id.
func (o *Orchestrator) SubmitTurn(ctx context.Context, conversationID, text string, opts ...TurnOption) (reply Reply) {
	var options turnOptions
	for _, opt := range opts {
		opt(&options)
	}

	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	reply.ConversationID = conversationID
	logger := o.logger.With(zap.String("conversation_id", conversationID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
			reply.Text = fmt.Sprintf("%s%v", errorPrefix, r)
			reply.Failed = true
		}
	}()

	if strings.TrimSpace(text) == "" {
		reply.Text = errorPrefix + "message cannot be empty"
		reply.Failed = true
		return reply
	}

	command, isCommand := ParseCommand(text)
	if isCommand && command == CommandQuit {
		reply.Command = command
		reply.Text = quitReply
		return reply
	}

	session, created := o.registry.GetOrCreate(conversationID)
	if created {
		logger.Debug("conversation created")
	}

	session.turn.Lock()
	defer session.turn.Unlock()

	if isCommand {
		reply.Command = command
		reply.Text = o.applyCommand(session, command)
		logger.Debug("command applied", zap.String("command", string(command)))
		return reply
	}

	prompt := text
	if session.fresh() {
		seed, err := o.bind(ctx, session, text, logger)
		if err != nil {
			logger.Warn("turn abandoned before binding", zap.Error(err))
			reply.Text = errorPrefix + err.Error()
			reply.Failed = true
			return reply
		}
		prompt = seed
	}

	streaming := session.streamingEnabled()
	if options.stream != nil {
		streaming = *options.stream
	}

	content, err := o.generate(ctx, session.session(), prompt, streaming, options, logger)
	session.advance(o.now())
	if err != nil {
		logger.Warn("generation failed",
			zap.String("kind", generation.KindOf(err).String()),
			zap.Error(err))
		reply.Text = errorPrefix + err.Error()
		reply.Failed = true
		return reply
	}

	reply.Text = content
	reply.Streamed = streaming

	if o.recorder != nil {
		if err := o.recorder.RecordTurn(ctx, conversationID, text, content); err != nil {
			logger.Warn("failed to record turn", zap.Error(err))
		}
	}
	return reply
}

func (o *Orchestrator) applyCommand(session *ConversationSession, command Command) string {
	switch command {
	case CommandStreamOn:
		session.setStreaming(true, o.now())
		return streamOnReply
	case CommandStreamOff:
		session.setStreaming(false, o.now())
		return streamOffReply
	default:
		return quitReply
	}
}

// bind runs classify, provision and bind in order, fixes the conversation's
// position and returns the seed prompt for the first generation. If ctx ends
// first the conversation stays fresh and ctx's error is returned.
func (o *Orchestrator) bind(ctx context.Context, session *ConversationSession, opening string, logger *zap.Logger) (string, error) {
	var result debate.ClassificationResult = debate.Failed{}
	if o.classifier != nil {
		result = o.classifier.Classify(ctx, opening)
	}
	stance, subject := result.Position()

	var corpus *debate.CorpusHandle
	if stance.Binary() && o.provisioner != nil {
		corpus = o.provisioner.Provision(ctx, subject, stance)
	}
	if corpus == nil {
		logger.Info("continuing without corpus", zap.String("stance", stance.String()), zap.String("subject", subject))
	}

	var bound generation.Session
	if o.binder != nil {
		bound = o.binder.Bind(ctx, corpus)
	}
	if bound == nil {
		bound = generation.Unavailable(nil)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	session.bind(stance, subject, corpus, bound, o.now())
	logger.Info("conversation bound",
		zap.String("stance", stance.String()),
		zap.String("subject", subject),
		zap.Bool("grounded", bound.Grounded()))

	return SeedPrompt(Seed{
		Stance:   stance,
		Subject:  subject,
		Grounded: bound.Grounded(),
		Opening:  opening,
	}), nil
}

// generate sends prompt, retrying content rejections on grounded sessions.
func (o *Orchestrator) generate(ctx context.Context, session generation.Session, prompt string, streaming bool, options turnOptions, logger *zap.Logger) (string, error) {
	attempts := 1
	if session.Grounded() {
		attempts = o.cfg.MaxAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var content string
		content, err = o.attempt(ctx, session, prompt, streaming, options.onChunk)
		if err == nil {
			return content, nil
		}
		if !generation.IsContentRejected(err) || attempt == attempts || ctx.Err() != nil {
			break
		}

		logger.Info("content rejected, retrying", zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.Error(err))
		if options.onRetry != nil {
			options.onRetry(attempt)
		}
	}
	return "", err
}

func (o *Orchestrator) attempt(ctx context.Context, session generation.Session, prompt string, streaming bool, onChunk func(string)) (string, error) {
	if o.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GenerationTimeout)
		defer cancel()
	}

	if streaming {
		return session.Stream(ctx, prompt, onChunk)
	}
	return session.Send(ctx, prompt)
}
