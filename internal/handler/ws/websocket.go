package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/service/dialogue"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultPingInterval = 54 * time.Second
	writeTimeout        = 10 * time.Second
)

// Dialogue runs one turn of a conversation.
type Dialogue interface {
	SubmitTurn(ctx context.Context, conversationID, text string, opts ...dialogue.TurnOption) dialogue.Reply
}

// WebSocketHandler WebSocket对话处理器
type WebSocketHandler struct {
	dialogue     Dialogue
	upgrader     websocket.Upgrader
	logger       *zap.Logger
	readTimeout  time.Duration
	pingInterval time.Duration
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(d Dialogue, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		dialogue: d,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:       logging.OrNop(logger).Named("websocket"),
		readTimeout:  defaultReadTimeout,
		pingInterval: defaultPingInterval,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{conversationID}", h.handleWebSocket)
}

// Inbound message types.
const (
	TypeText   = "text"
	TypeConfig = "config"
)

// Outbound message types.
const (
	TypeConnected = "connected"
	TypeDelta     = "delta"
	TypeRetry     = "retry"
	TypeMessage   = "message"
	TypeCommand   = "command"
	TypeError     = "error"
)

type inboundMessage struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	Data           json.RawMessage `json:"data"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

// ConfigMessage 配置消息
type ConfigMessage struct {
	StreamMode *bool `json:"streamMode,omitempty"`
}

type outgoingMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Data           any    `json:"data,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// ReplyData is the payload of message and command frames.
type ReplyData struct {
	Content  string           `json:"content"`
	Command  dialogue.Command `json:"command,omitempty"`
	Streamed bool             `json:"streamed,omitempty"`
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		http.Error(w, "conversationID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("conversation_id", conversationID))
	logger.Info("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	go h.pingLoop(ctx, conn)

	h.send(conn, conversationID, TypeConnected, map[string]string{"conversationId": conversationID})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("read failed", zap.Error(err))
			}
			return
		}
		if msg.ConversationID != "" && msg.ConversationID != conversationID {
			h.sendError(conn, conversationID, "conversation mismatch")
			_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
			continue
		}

		// pongs are only handled while reading, so the deadline is lifted
		// for as long as the turn runs
		_ = conn.SetReadDeadline(time.Time{})
		quit := h.handleMessage(ctx, conn, conversationID, &msg)
		if quit {
			logger.Info("conversation ended by client")
			h.close(conn, "Ending chat session. Goodbye!")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
}

// handleMessage processes one inbound frame and reports whether the client
// asked to quit.
func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *websocket.Conn, conversationID string, msg *inboundMessage) bool {
	switch msg.Type {
	case TypeText:
		var payload TextMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.sendError(conn, conversationID, "invalid text payload")
			return false
		}
		return h.submit(ctx, conn, conversationID, payload.Text)
	case TypeConfig:
		var cfg ConfigMessage
		if err := json.Unmarshal(msg.Data, &cfg); err != nil {
			h.sendError(conn, conversationID, "invalid config payload")
			return false
		}
		if cfg.StreamMode == nil {
			return false
		}
		command := "stream off"
		if *cfg.StreamMode {
			command = "stream on"
		}
		return h.submit(ctx, conn, conversationID, command)
	default:
		h.sendError(conn, conversationID, "unsupported message type")
		return false
	}
}

func (h *WebSocketHandler) submit(ctx context.Context, conn *websocket.Conn, conversationID, text string) bool {
	reply := h.dialogue.SubmitTurn(ctx, conversationID, text,
		dialogue.WithChunkHandler(func(chunk string) {
			h.send(conn, conversationID, TypeDelta, map[string]string{"content": chunk})
		}),
		dialogue.WithRetryHandler(func(attempt int) {
			h.send(conn, conversationID, TypeRetry, map[string]int{"attempt": attempt})
		}),
	)

	switch {
	case reply.Failed:
		h.sendError(conn, conversationID, reply.Text)
	case reply.Command != dialogue.CommandNone:
		h.send(conn, conversationID, TypeCommand, ReplyData{Content: reply.Text, Command: reply.Command})
	default:
		h.send(conn, conversationID, TypeMessage, ReplyData{Content: reply.Text, Streamed: reply.Streamed})
	}
	return reply.Command == dialogue.CommandQuit
}

func (h *WebSocketHandler) send(conn *websocket.Conn, conversationID, msgType string, data any) {
	msg := outgoingMessage{
		Type:           msgType,
		ConversationID: conversationID,
		Data:           data,
		Timestamp:      time.Now().Unix(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("write failed", zap.String("type", msgType), zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *websocket.Conn, conversationID, message string) {
	h.send(conn, conversationID, TypeError, map[string]string{"message": message})
}

func (h *WebSocketHandler) close(conn *websocket.Conn, reason string) {
	payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeTimeout)); err != nil {
		h.logger.Debug("close frame failed", zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
