package bootstrap

import (
	"context"
	"iter"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/zhouzirui/counterpoint/backend/internal/config"
	"github.com/zhouzirui/counterpoint/backend/internal/service/generation"
)

func TestNewClassifierModelDefaultsToGemini(t *testing.T) {
	cfg := &config.Config{
		Generation: config.GenerationConfig{Model: "gemini-1.5-flash-001"},
		Classifier: config.ClassifierConfig{Provider: config.ProviderGemini},
	}

	chatModel, err := newClassifierModel(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &generation.GeminiModel{}, chatModel)
}

func TestNewClassifierModelArkRequiresCredentials(t *testing.T) {
	cfg := &config.Config{
		Classifier: config.ClassifierConfig{Provider: config.ProviderArk},
	}

	_, err := newClassifierModel(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ark classifier model")
}

type capturingGenerator struct {
	config *genai.GenerateContentConfig
}

func (g *capturingGenerator) GenerateContent(_ context.Context, _ string, _ []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	g.config = config
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText(`{"subject":"abortion","stance":"for"}`, genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
	}, nil
}

func (g *capturingGenerator) GenerateContentStream(_ context.Context, _ string, _ []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	g.config = config
	return func(func(*genai.GenerateContentResponse, error) bool) {}
}

func TestNewClassifierModelRelaxesSafety(t *testing.T) {
	cfg := &config.Config{
		Generation: config.GenerationConfig{Model: "gemini-1.5-flash-001"},
		Classifier: config.ClassifierConfig{Provider: config.ProviderGemini},
	}
	generator := &capturingGenerator{}

	chatModel, err := newClassifierModel(context.Background(), cfg, generator)
	require.NoError(t, err)

	_, err = chatModel.Generate(context.Background(), []*schema.Message{schema.UserMessage("abortion should stay legal")})
	require.NoError(t, err)

	require.NotNil(t, generator.config)
	require.Len(t, generator.config.SafetySettings, 4)
	for _, setting := range generator.config.SafetySettings {
		assert.Equal(t, genai.HarmBlockThresholdBlockNone, setting.Threshold, "category %s", setting.Category)
	}
}
