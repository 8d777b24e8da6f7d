package stream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/service/dialogue"
	"github.com/zhouzirui/counterpoint/backend/pkg/utils"
)

// SSE event names.
const (
	EventStart   = "start"
	EventDelta   = "delta"
	EventRetry   = "retry"
	EventCommand = "command"
	EventMessage = "message"
	EventError   = "error"
	EventEnd     = "end"
)

var errStreamingUnsupported = errors.New("streaming unsupported")

// Dialogue runs one turn of a conversation.
type Dialogue interface {
	SubmitTurn(ctx context.Context, conversationID, text string, opts ...dialogue.TurnOption) dialogue.Reply
}

// Handler serves debate replies as Server-Sent Events.
type Handler struct {
	dialogue Dialogue
	logger   *zap.Logger
}

// New creates a stream handler.
func New(d Dialogue, logger *zap.Logger) *Handler {
	return &Handler{
		dialogue: d,
		logger:   logging.OrNop(logger).Named("stream"),
	}
}

// RegisterRoutes 注册流式路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{conversationID}", h.handleStream)
}

// Event is the data payload of every SSE event.
type Event struct {
	ConversationID string           `json:"conversation_id,omitempty"`
	Content        string           `json:"content,omitempty"`
	Attempt        int              `json:"attempt,omitempty"`
	Command        dialogue.Command `json:"command,omitempty"`
	Streamed       bool             `json:"streamed,omitempty"`
	Error          string           `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	message := r.URL.Query().Get("message")

	if strings.TrimSpace(message) == "" {
		_ = utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, conversationID, message); err != nil {
		h.logger.Error("stream request failed", zap.String("conversation_id", conversationID), zap.Error(err))
		if errors.Is(err, errStreamingUnsupported) {
			_ = utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		}
	}
}

// HandleStreamRequest runs one turn and writes its progress as SSE events:
// start, then delta and retry events while the reply streams, then exactly one
// of message, command or error, then end.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, conversationID, message string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	sink := &eventSink{w: w, flusher: flusher}
	if err := sink.send(EventStart, Event{ConversationID: conversationID}); err != nil {
		return err
	}

	reply := h.dialogue.SubmitTurn(ctx, conversationID, message,
		dialogue.WithChunkHandler(func(chunk string) {
			if err := sink.send(EventDelta, Event{Content: chunk}); err != nil {
				h.logger.Debug("failed to write delta", zap.Error(err))
			}
		}),
		dialogue.WithRetryHandler(func(attempt int) {
			if err := sink.send(EventRetry, Event{Attempt: attempt}); err != nil {
				h.logger.Debug("failed to write retry", zap.Error(err))
			}
		}),
	)

	final := Event{ConversationID: reply.ConversationID, Content: reply.Text}
	event := EventMessage
	switch {
	case reply.Failed:
		event = EventError
		final = Event{ConversationID: reply.ConversationID, Error: reply.Text}
	case reply.Command != dialogue.CommandNone:
		event = EventCommand
		final.Command = reply.Command
	default:
		final.Streamed = reply.Streamed
	}

	if err := sink.send(event, final); err != nil {
		return err
	}
	return sink.send(EventEnd, Event{ConversationID: reply.ConversationID})
}

type eventSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *eventSink) send(event string, data Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return utils.SendSSEEvent(s.w, s.flusher, event, data)
}
