package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Google     GoogleConfig
	Generation GenerationConfig
	Corpus     CorpusConfig
	Classifier ClassifierConfig
	Dialogue   DialogueConfig
	Log        LogConfig
}

// ConfigurationError reports required variables that are absent. The process
// must refuse to serve when it is returned.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Missing, ", "))
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	var missing []string
	require := func(key string) string {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			missing = append(missing, key)
		}
		return value
	}

	google := GoogleConfig{
		ProjectID: require("PROJECT_ID"),
		Region:    getEnvOrDefault("GOOGLE_CLOUD_REGION", "us-central1"),
	}

	generation, err := loadGenerationConfig()
	if err != nil {
		return nil, err
	}

	corpus, err := loadCorpusConfig(require("EMBEDDING_MODEL"), require("INPUT_GCS_BUCKET_BASE"))
	if err != nil {
		return nil, err
	}

	classifier, err := loadClassifierConfig()
	if err != nil {
		return nil, err
	}
	if classifier.Provider == ProviderArk {
		if !classifier.Ark.Enabled() {
			missing = append(missing, "ARK_MODEL and ARK_API_KEY (or ARK_ACCESS_KEY/ARK_SECRET_KEY)")
		}
	}

	dialogue, err := loadDialogueConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}

	return &Config{
		Server:     server,
		Google:     google,
		Generation: generation,
		Corpus:     corpus,
		Classifier: classifier,
		Dialogue:   dialogue,
		Log:        logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址与跨域来源。
func loadServerConfig() (ServerConfig, error) {
	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// GoogleConfig addresses the Google Cloud project hosting both backends.
type GoogleConfig struct {
	ProjectID string
	Region    string
}

// GenerationConfig 描述生成模型与检索工具配置。
type GenerationConfig struct {
	Model             string
	TopK              int32
	DistanceThreshold float64
	BindTimeout       time.Duration
	Timeout           time.Duration
	MaxAttempts       int
}

func loadGenerationConfig() (GenerationConfig, error) {
	topK, err := parseIntEnv("RAG_TOP_K", 5)
	if err != nil {
		return GenerationConfig{}, err
	}
	if topK < 1 {
		return GenerationConfig{}, fmt.Errorf("invalid RAG_TOP_K value %d: must be positive", topK)
	}

	threshold, err := parseFloatEnv("RAG_DISTANCE_THRESHOLD", 0.5)
	if err != nil {
		return GenerationConfig{}, err
	}

	bindTimeout, err := parseDurationEnv("BIND_TIMEOUT", 15*time.Second)
	if err != nil {
		return GenerationConfig{}, err
	}

	timeout, err := parseDurationEnv("GENERATION_TIMEOUT", 2*time.Minute)
	if err != nil {
		return GenerationConfig{}, err
	}

	attempts, err := parseIntEnv("GENERATION_MAX_ATTEMPTS", 3)
	if err != nil {
		return GenerationConfig{}, err
	}
	if attempts < 1 {
		attempts = 1
	}

	return GenerationConfig{
		Model:             getEnvOrDefault("GENERATION_MODEL", "gemini-1.5-flash-001"),
		TopK:              int32(topK),
		DistanceThreshold: threshold,
		BindTimeout:       bindTimeout,
		Timeout:           timeout,
		MaxAttempts:       attempts,
	}, nil
}

// CorpusConfig 描述检索语料库的创建与导入参数。
type CorpusConfig struct {
	EmbeddingModel      string
	BasePath            string
	ChunkSize           int
	ChunkOverlap        int
	MaxImportRatePerMin int
	Reuse               bool
	PollInterval        time.Duration
	Timeout             time.Duration
}

// maxImportRate is the ceiling on embedding requests per minute during import.
const maxImportRate = 900

func loadCorpusConfig(embeddingModel, basePath string) (CorpusConfig, error) {
	chunkSize, err := parseIntEnv("CORPUS_CHUNK_SIZE", 1024)
	if err != nil {
		return CorpusConfig{}, err
	}

	overlap, err := parseIntEnv("CORPUS_CHUNK_OVERLAP", 100)
	if err != nil {
		return CorpusConfig{}, err
	}
	if overlap < 0 || overlap >= chunkSize {
		return CorpusConfig{}, fmt.Errorf("invalid CORPUS_CHUNK_OVERLAP value %d: must be in [0, %d)", overlap, chunkSize)
	}

	rate, err := parseIntEnv("CORPUS_MAX_IMPORT_RATE", maxImportRate)
	if err != nil {
		return CorpusConfig{}, err
	}
	if rate < 1 || rate > maxImportRate {
		rate = maxImportRate
	}

	reuse, err := parseBoolEnv("CORPUS_REUSE", true)
	if err != nil {
		return CorpusConfig{}, err
	}

	poll, err := parseDurationEnv("CORPUS_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return CorpusConfig{}, err
	}

	timeout, err := parseDurationEnv("PROVISION_TIMEOUT", 10*time.Minute)
	if err != nil {
		return CorpusConfig{}, err
	}

	return CorpusConfig{
		EmbeddingModel:      embeddingModel,
		BasePath:            basePath,
		ChunkSize:           chunkSize,
		ChunkOverlap:        overlap,
		MaxImportRatePerMin: rate,
		Reuse:               reuse,
		PollInterval:        poll,
		Timeout:             timeout,
	}, nil
}

// Classifier providers.
const (
	ProviderGemini = "gemini"
	ProviderArk    = "ark"
)

// ClassifierConfig 描述立场分类器使用的模型。
type ClassifierConfig struct {
	Provider      string
	KnownSubjects []string
	Timeout       time.Duration
	Ark           ArkConfig
}

// DefaultKnownSubjects lists the topics the curated document store covers.
var DefaultKnownSubjects = []string{
	"abortion",
	"gun_laws",
	"immigration",
	"artificial_intelligence_regulation",
	"universal_basic_income",
	"universal_healthcare",
	"gene_editing",
}

func loadClassifierConfig() (ClassifierConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("CLASSIFIER_PROVIDER", ProviderGemini))
	if provider != ProviderGemini && provider != ProviderArk {
		return ClassifierConfig{}, fmt.Errorf("invalid CLASSIFIER_PROVIDER value %q", provider)
	}

	timeout, err := parseDurationEnv("CLASSIFY_TIMEOUT", 30*time.Second)
	if err != nil {
		return ClassifierConfig{}, err
	}

	subjects := DefaultKnownSubjects
	if raw := strings.TrimSpace(os.Getenv("KNOWN_SUBJECTS")); raw != "" {
		subjects = splitList(raw)
	}

	ark, err := loadArkConfig()
	if err != nil {
		return ClassifierConfig{}, err
	}

	return ClassifierConfig{
		Provider:      provider,
		KnownSubjects: subjects,
		Timeout:       timeout,
		Ark:           ark,
	}, nil
}

// ArkConfig 描述 Ark 大模型相关配置。
type ArkConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadArkConfig() (ArkConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return ArkConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return ArkConfig{}, err
	}

	return ArkConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

// DialogueConfig 描述会话编排默认值。
type DialogueConfig struct {
	StreamDefault bool
}

func loadDialogueConfig() (DialogueConfig, error) {
	stream, err := parseBoolEnv("STREAM_DEFAULT", true)
	if err != nil {
		return DialogueConfig{}, err
	}
	return DialogueConfig{StreamDefault: stream}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level       string
	Development bool
}

func loadLogConfig() (LogConfig, error) {
	dev, err := parseBoolEnv("LOG_DEVELOPMENT", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:       strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Development: dev,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	val, err := parseOptionalFloatEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// splitList 拆分逗号分隔的列表，忽略空项。
func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
