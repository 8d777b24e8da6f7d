package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/handler/chat"
	"github.com/zhouzirui/counterpoint/backend/internal/handler/stream"
	"github.com/zhouzirui/counterpoint/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/counterpoint/backend/internal/middleware"
	"github.com/zhouzirui/counterpoint/backend/internal/service/dialogue"
	"github.com/zhouzirui/counterpoint/backend/pkg/utils"
)

// Dialogue is the orchestration surface the HTTP layer drives.
type Dialogue interface {
	chat.Dialogue
}

// NewRouter wires HTTP routes to core services.
func NewRouter(d Dialogue, transcripts chat.Transcripts, allowedOrigins []string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		chat.New(d, transcripts, logger).RegisterRoutes(api)
		stream.New(d, logger).RegisterRoutes(api)
		ws.NewWebSocketHandler(d, logger).RegisterRoutes(api)
	})

	return r
}

var _ Dialogue = (*dialogue.Orchestrator)(nil)
