package generation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
)

// BinderConfig configures the sessions a Binder builds.
type BinderConfig struct {
	Model             string
	TopK              int32
	DistanceThreshold float64
	Timeout           time.Duration
}

// Binder attaches generation sessions to an optional corpus. Bind always
// yields a usable session.
type Binder struct {
	service Service
	cfg     BinderConfig
	logger  *zap.Logger
}

// NewBinder creates a Binder starting sessions on service.
func NewBinder(service Service, cfg BinderConfig, logger *zap.Logger) *Binder {
	return &Binder{
		service: service,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("binder"),
	}
}

// Bind starts a relaxed-safety session, grounded in corpus when one is given.
// If that fails it falls back to a default session with default safety.
func (b *Binder) Bind(ctx context.Context, corpus *debate.CorpusHandle) Session {
	cfg := ChatConfig{Model: b.cfg.Model, Safety: SafetyRelaxed}
	if corpus != nil && corpus.Name != "" {
		cfg.Retrieval = &Retrieval{
			CorpusName:        corpus.Name,
			TopK:              b.cfg.TopK,
			DistanceThreshold: b.cfg.DistanceThreshold,
		}
	}

	session, err := b.start(ctx, cfg)
	if err == nil {
		b.logger.Debug("session bound", zap.Bool("grounded", session.Grounded()))
		return session
	}
	b.logger.Warn("failed to bind session, falling back to default", zap.Error(err), zap.Bool("grounded", cfg.Retrieval != nil))

	fallback, err := b.start(ctx, ChatConfig{Model: b.cfg.Model, Safety: SafetyDefault})
	if err == nil {
		return fallback
	}
	b.logger.Error("default session unavailable", zap.Error(err))
	return Unavailable(err)
}

func (b *Binder) start(ctx context.Context, cfg ChatConfig) (Session, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}
	return b.service.StartChat(ctx, cfg)
}
