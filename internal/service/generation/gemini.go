package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ContentGenerator is the part of the genai Models API the Gemini model uses.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// NewVertexClient creates a genai client addressing Vertex AI in project/location.
// Credentials come from Application Default Credentials.
func NewVertexClient(ctx context.Context, project, location string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:  genai.BackendVertexAI,
		Project:  project,
		Location: location,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// GeminiFactory returns a ModelFactory producing Gemini models.
func GeminiFactory(generator ContentGenerator) ModelFactory {
	return func(_ context.Context, cfg ChatConfig) (model.BaseChatModel, error) {
		if cfg.Model == "" {
			return nil, errors.New("gemini model id is required")
		}
		return NewGeminiModel(generator, cfg), nil
	}
}

// GeminiModel adapts the genai content API to an eino chat model.
type GeminiModel struct {
	generator ContentGenerator
	model     string
	config    genai.GenerateContentConfig
}

// NewGeminiModel creates a Gemini model configured by cfg.
func NewGeminiModel(generator ContentGenerator, cfg ChatConfig) *GeminiModel {
	return &GeminiModel{
		generator: generator,
		model:     cfg.Model,
		config:    contentConfig(cfg),
	}
}

var _ model.BaseChatModel = (*GeminiModel)(nil)

// Generate returns the complete reply to input.
func (m *GeminiModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	contents, cfg := m.request(input)

	resp, err := m.generator.GenerateContent(ctx, m.model, contents, cfg)
	if err != nil {
		return nil, transportError(err)
	}
	if err := checkResponse(resp, true); err != nil {
		return nil, err
	}

	return schema.AssistantMessage(resp.Text(), nil), nil
}

// Stream returns reply chunks as the backend produces them.
func (m *GeminiModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	contents, cfg := m.request(input)
	sr, sw := schema.Pipe[*schema.Message](8)

	go func() {
		defer sw.Close()

		for resp, err := range m.generator.GenerateContentStream(ctx, m.model, contents, cfg) {
			if err != nil {
				sw.Send(nil, transportError(err))
				return
			}
			if rejected := checkResponse(resp, false); rejected != nil {
				sw.Send(nil, rejected)
				return
			}

			text := resp.Text()
			if text == "" {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(text, nil), nil); closed {
				return
			}
		}
	}()

	return sr, nil
}

// request converts eino messages into genai contents. System messages become
// the system instruction of a per-request copy of the config.
func (m *GeminiModel) request(input []*schema.Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := m.config
	contents := make([]*genai.Content, 0, len(input))

	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			cfg.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)
		case schema.Assistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	return contents, &cfg
}

func contentConfig(cfg ChatConfig) genai.GenerateContentConfig {
	var out genai.GenerateContentConfig

	if cfg.Safety == SafetyRelaxed {
		out.SafetySettings = relaxedSafetySettings()
	}

	if r := cfg.Retrieval; r != nil {
		out.Tools = []*genai.Tool{{
			Retrieval: &genai.Retrieval{
				VertexRAGStore: &genai.VertexRAGStore{
					RAGResources: []*genai.VertexRAGStoreRAGResource{
						{RAGCorpus: r.CorpusName},
					},
					SimilarityTopK:          genai.Ptr(r.TopK),
					VectorDistanceThreshold: genai.Ptr(r.DistanceThreshold),
				},
			},
		}}
	}

	return out
}

var relaxedCategories = []genai.HarmCategory{
	genai.HarmCategoryHateSpeech,
	genai.HarmCategoryDangerousContent,
	genai.HarmCategoryHarassment,
	genai.HarmCategorySexuallyExplicit,
}

func relaxedSafetySettings() []*genai.SafetySetting {
	settings := make([]*genai.SafetySetting, 0, len(relaxedCategories))
	for _, category := range relaxedCategories {
		settings = append(settings, &genai.SafetySetting{
			Category:  category,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	return settings
}

// checkResponse maps blocked prompts and filtered candidates to
// KindContentRejected. complete is set for non-streamed replies, where a
// response without candidates is itself a rejection.
func checkResponse(resp *genai.GenerateContentResponse, complete bool) error {
	if resp == nil {
		if complete {
			return newError(KindContentRejected, "gemini returned an empty response")
		}
		return nil
	}

	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return newError(KindContentRejected, "prompt blocked: %s %s", fb.BlockReason, fb.BlockReasonMessage)
	}

	if len(resp.Candidates) == 0 {
		if complete {
			return newError(KindContentRejected, "gemini returned no candidates")
		}
		return nil
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case "", genai.FinishReasonUnspecified, genai.FinishReasonStop, genai.FinishReasonMaxTokens:
		return nil
	default:
		return newError(KindContentRejected, "candidate finished with %s %s", candidate.FinishReason, candidate.FinishMessage)
	}
}

func transportError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("gemini api error %d: %w", apiErr.Code, err)}
	}
	return &Error{Kind: KindTransport, Err: fmt.Errorf("gemini request failed: %w", err)}
}
