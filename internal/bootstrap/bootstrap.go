package bootstrap

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/config"
	"github.com/zhouzirui/counterpoint/backend/internal/service/chat"
	"github.com/zhouzirui/counterpoint/backend/internal/service/corpus"
	"github.com/zhouzirui/counterpoint/backend/internal/service/dialogue"
	"github.com/zhouzirui/counterpoint/backend/internal/service/generation"
	"github.com/zhouzirui/counterpoint/backend/internal/service/stance"
)

// Dialogue builds the orchestrator and its collaborators from cfg. The
// returned chat service holds the transcripts the orchestrator records.
func Dialogue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dialogue.Orchestrator, *chat.Service, error) {
	genaiClient, err := generation.NewVertexClient(ctx, cfg.Google.ProjectID, cfg.Google.Region)
	if err != nil {
		return nil, nil, err
	}

	binder := generation.NewBinder(
		generation.NewModelService(generation.GeminiFactory(genaiClient.Models)),
		generation.BinderConfig{
			Model:             cfg.Generation.Model,
			TopK:              cfg.Generation.TopK,
			DistanceThreshold: cfg.Generation.DistanceThreshold,
			Timeout:           cfg.Generation.BindTimeout,
		},
		logger,
	)

	classifierModel, err := newClassifierModel(ctx, cfg, genaiClient.Models)
	if err != nil {
		return nil, nil, err
	}
	classifier, err := stance.NewClassifier(ctx, classifierModel, stance.Config{
		KnownSubjects: cfg.Classifier.KnownSubjects,
		Timeout:       cfg.Classifier.Timeout,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stance classifier: %w", err)
	}

	vertex, err := corpus.NewVertexService(ctx, cfg.Google.ProjectID, cfg.Google.Region,
		corpus.WithPollInterval(cfg.Corpus.PollInterval),
		corpus.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	provisioner := corpus.NewProvisioner(vertex, corpus.ProvisionerConfig{
		EmbeddingModel:      cfg.Corpus.EmbeddingModel,
		BasePath:            cfg.Corpus.BasePath,
		ChunkSize:           cfg.Corpus.ChunkSize,
		ChunkOverlap:        cfg.Corpus.ChunkOverlap,
		MaxImportRatePerMin: cfg.Corpus.MaxImportRatePerMin,
		Reuse:               cfg.Corpus.Reuse,
		Timeout:             cfg.Corpus.Timeout,
	}, logger)

	transcripts := chat.NewService()

	orchestrator := dialogue.NewOrchestrator(
		dialogue.NewRegistry(cfg.Dialogue.StreamDefault),
		dialogue.Dependencies{
			Classifier:  classifier,
			Provisioner: provisioner,
			Binder:      binder,
			Recorder:    transcripts,
		},
		dialogue.Config{
			GenerationTimeout: cfg.Generation.Timeout,
			MaxAttempts:       cfg.Generation.MaxAttempts,
		},
		logger,
	)

	logger.Info("dialogue initialised",
		zap.String("project", cfg.Google.ProjectID),
		zap.String("region", cfg.Google.Region),
		zap.String("generation_model", cfg.Generation.Model),
		zap.String("classifier", cfg.Classifier.Provider),
		zap.Bool("corpus_reuse", cfg.Corpus.Reuse))

	return orchestrator, transcripts, nil
}

func newClassifierModel(ctx context.Context, cfg *config.Config, generator generation.ContentGenerator) (model.BaseChatModel, error) {
	if cfg.Classifier.Provider == config.ProviderArk {
		chatModel, err := cfg.Classifier.Ark.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create ark classifier model: %w", err)
		}
		return chatModel, nil
	}
	return generation.NewGeminiModel(generator, generation.ChatConfig{
		Model:  cfg.Generation.Model,
		Safety: generation.SafetyRelaxed,
	}), nil
}
