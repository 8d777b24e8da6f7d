package stance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/counterpoint/backend/internal/analysis/subject"
	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
)

var (
	ErrClassifierDisabled = errors.New("stance classifier has no chat model")
	ErrEmptyInput         = errors.New("nothing to classify")
	ErrEmptyReply         = errors.New("classifier returned an empty reply")
	ErrMissingJSON        = errors.New("classifier reply contains no json object")
	ErrInvalidStance      = errors.New("classifier returned an invalid stance")
	ErrMissingSubject     = errors.New("classifier returned no subject")
)

// Config 控制立场分类器的行为。
type Config struct {
	// KnownSubjects 会写进提示词，作为模型优先选择的议题标签。
	KnownSubjects []string
	Timeout       time.Duration
}

// Classifier 通过一次大模型调用判断开场发言的立场与议题，任何失败都降级为 Failed。
type Classifier struct {
	classifier   compose.Runnable[map[string]any, *schema.Message]
	instructions string
	subjects     *subject.Matcher
	timeout      time.Duration
	logger       *zap.Logger
}

// NewClassifier 创建立场分类器。chatModel 为空时分类器仍可使用，但所有分类都会失败。
func NewClassifier(ctx context.Context, chatModel model.BaseChatModel, cfg Config, logger *zap.Logger) (*Classifier, error) {
	matcher := subject.NewMatcher(cfg.KnownSubjects)
	c := &Classifier{
		instructions: buildInstructions(matcher.Known()),
		subjects:     matcher,
		timeout:      cfg.Timeout,
		logger:       logging.OrNop(logger).Named("stance"),
	}

	if chatModel == nil {
		return c, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{instructions}"),
		schema.UserMessage("Analyze this text: '{text}'"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile stance classifier chain: %w", err)
	}

	c.classifier = runnable
	return c, nil
}

// Classify 返回 Parsed 或 Failed，从不返回错误。
func (c *Classifier) Classify(ctx context.Context, text string) debate.ClassificationResult {
	result := c.classify(ctx, text)

	switch r := result.(type) {
	case debate.Parsed:
		c.logger.Info("classified opening message",
			zap.String("input_stance", r.Input.String()),
			zap.String("subject", r.Subject))
	case debate.Failed:
		c.logger.Warn("stance classification failed, degrading to neutral", zap.Error(r.Reason))
	}
	return result
}

func (c *Classifier) classify(ctx context.Context, text string) debate.ClassificationResult {
	if c.classifier == nil {
		return debate.Failed{Reason: ErrClassifierDisabled}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return debate.Failed{Reason: ErrEmptyInput}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.classifier.Invoke(ctx, map[string]any{
		"instructions": c.instructions,
		"text":         text,
	})
	if err != nil {
		return debate.Failed{Reason: fmt.Errorf("classifier invoke failed: %w", err)}
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return debate.Failed{Reason: ErrEmptyReply}
	}

	payload, err := parseClassifierOutput(msg.Content)
	if err != nil {
		return debate.Failed{Reason: err}
	}

	stance, ok := debate.ParseStance(payload.Stance)
	if !ok {
		return debate.Failed{Reason: fmt.Errorf("%w: %q", ErrInvalidStance, payload.Stance)}
	}

	topic := strings.TrimSpace(payload.Subject)
	if topic == "" {
		return debate.Failed{Reason: ErrMissingSubject}
	}
	if canonical, ok := c.subjects.Canonical(topic); ok {
		topic = canonical
	}

	return debate.Parsed{Input: stance, Subject: topic}
}

// parseClassifierOutput 去掉 Markdown 代码块后解析 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := stripCodeFences(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, ErrMissingJSON
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, fmt.Errorf("failed to decode classifier reply: %w", err)
	}
	return payload, nil
}

// stripCodeFences 处理 ```json ... ``` 形式的回复，语言标记可有可无。
// 没有代码块时仅去掉可能出现的 json 前缀。
func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)

	if rest, ok := strings.CutPrefix(trimmed, "```"); ok {
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if newline := strings.IndexByte(rest, '\n'); newline >= 0 && isLanguageTag(rest[:newline]) {
			rest = rest[newline+1:]
		}
		trimmed = strings.TrimSpace(rest)
	}

	if len(trimmed) >= 4 && strings.EqualFold(trimmed[:4], "json") {
		trimmed = strings.TrimSpace(trimmed[4:])
	}
	return trimmed
}

func isLanguageTag(line string) bool {
	line = strings.TrimSpace(line)
	for _, r := range line {
		if r == '{' || r == '}' || r == '"' || r == ' ' {
			return false
		}
	}
	return true
}

type classifierPayload struct {
	Stance  string `json:"stance"`
	Subject string `json:"subject"`
}

func buildInstructions(known []string) string {
	var builder strings.Builder
	builder.WriteString("You must return ONLY a JSON object with no other text, markdown, or formatting.\n")
	builder.WriteString("Decide whether the user's text argues for or against its subject.\n\n")
	builder.WriteString("Schema:\n")
	builder.WriteString(`{"stance": string, "subject": string}`)
	builder.WriteString("\n\nstance must be \"for\" or \"against\".\n")
	if len(known) > 0 {
		builder.WriteString("subject must be one of: ")
		builder.WriteString(strings.Join(known, ", "))
		builder.WriteString(". If none fits, use a short lowercase noun phrase naming the topic.")
	} else {
		builder.WriteString("subject is a short lowercase noun phrase naming the topic.")
	}
	return builder.String()
}
