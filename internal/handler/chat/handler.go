package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/model/chat"
	chatService "github.com/zhouzirui/counterpoint/backend/internal/service/chat"
	"github.com/zhouzirui/counterpoint/backend/internal/service/dialogue"
	"github.com/zhouzirui/counterpoint/backend/pkg/utils"
)

// Dialogue 是处理器依赖的对话编排能力。
type Dialogue interface {
	SubmitTurn(ctx context.Context, conversationID, text string, opts ...dialogue.TurnOption) dialogue.Reply
	Snapshot(conversationID string) (dialogue.Snapshot, bool)
}

// Transcripts 是会话记录存储。
type Transcripts interface {
	EnsureConversation(ctx context.Context, conversationID, ownerKey string) (chat.Conversation, error)
	LoadTranscript(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	dialogue    Dialogue
	transcripts Transcripts
	logger      *zap.Logger
}

// New 创建聊天处理器
func New(d Dialogue, transcripts Transcripts, logger *zap.Logger) *Handler {
	return &Handler{
		dialogue:    d,
		transcripts: transcripts,
		logger:      logging.OrNop(logger).Named("chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/debug/conversation/{conversationID}", h.handleDebugConversation)
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Owner          string `json:"owner"`
}

type chatResponse struct {
	Status         string           `json:"status"`
	Response       string           `json:"response"`
	ConversationID string           `json:"conversation_id"`
	Command        dialogue.Command `json:"command,omitempty"`
}

// handleChat 处理一轮对话，回复以完整文本返回
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(payload.Message) == "" {
		h.respondError(w, http.StatusBadRequest, "Message cannot be empty")
		return
	}

	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	owner := strings.TrimSpace(payload.Owner)
	if owner == "" {
		owner = r.Header.Get("X-Owner-Key")
	}
	if h.transcripts != nil {
		if _, err := h.transcripts.EnsureConversation(r.Context(), conversationID, owner); err != nil {
			h.logger.Warn("failed to register conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	reply := h.dialogue.SubmitTurn(r.Context(), conversationID, payload.Message, dialogue.WithStream(false))

	h.respondJSON(w, http.StatusOK, chatResponse{
		Status:         "success",
		Response:       reply.Text,
		ConversationID: reply.ConversationID,
		Command:        reply.Command,
	})
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type debugResponse struct {
	ConversationID string             `json:"conversation_id"`
	History        []historyEntry     `json:"history"`
	Session        *dialogue.Snapshot `json:"session,omitempty"`
}

// handleDebugConversation 返回会话记录与编排状态
func (h *Handler) handleDebugConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	resp := debugResponse{ConversationID: conversationID, History: []historyEntry{}}
	found := false

	if snap, ok := h.dialogue.Snapshot(conversationID); ok {
		resp.Session = &snap
		found = true
	}

	if h.transcripts != nil {
		messages, err := h.transcripts.LoadTranscript(r.Context(), conversationID)
		switch {
		case err == nil:
			found = true
			for _, msg := range messages {
				resp.History = append(resp.History, historyEntry{Role: msg.Sender, Content: msg.Content})
			}
		case !errors.Is(err, chatService.ErrConversationNotFound):
			h.logger.Error("failed to load transcript", zap.String("conversation_id", conversationID), zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "failed to load conversation")
			return
		}
	}

	if !found {
		h.respondError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	if err := utils.RespondJSON(w, status, payload); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	if err := utils.RespondError(w, status, message); err != nil {
		h.logger.Debug("failed to write error response", zap.Error(err))
	}
}
