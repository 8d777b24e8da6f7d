package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/counterpoint/backend/internal/analysis/subject"
	"github.com/zhouzirui/counterpoint/backend/internal/logging"
	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
)

const neutralFolder = "neutral"

// ProvisionerConfig 描述语料库的创建与导入参数。
type ProvisionerConfig struct {
	EmbeddingModel      string
	BasePath            string
	ChunkSize           int
	ChunkOverlap        int
	MaxImportRatePerMin int
	// Reuse 为 true 时，同一进程内相同议题/立场的语料库只创建一次。
	Reuse   bool
	Timeout time.Duration
}

// Provisioner 按议题与立场准备检索语料库。失败时返回 nil，由调用方退回到无检索的会话。
type Provisioner struct {
	service Service
	cfg     ProvisionerConfig
	logger  *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]debate.CorpusHandle
}

// NewProvisioner 创建 Provisioner。
func NewProvisioner(service Service, cfg ProvisionerConfig, logger *zap.Logger) *Provisioner {
	if cfg.MaxImportRatePerMin <= 0 || cfg.MaxImportRatePerMin > MaxImportRatePerMin {
		cfg.MaxImportRatePerMin = MaxImportRatePerMin
	}
	return &Provisioner{
		service: service,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("corpus"),
		cache:   make(map[string]debate.CorpusHandle),
	}
}

// Plan is what Provision would create for a topic.
type Plan struct {
	DisplayName string
	Paths       []string
}

// PlanFor derives the corpus display name and document locations for topic
// and stance.
func (p *Provisioner) PlanFor(topic string, stance debate.Stance) (Plan, error) {
	if !stance.Binary() {
		return Plan{}, fmt.Errorf("no documents for stance %q", stance)
	}
	segment := subject.Label(topic)
	if segment == "" {
		return Plan{}, errors.New("subject is empty")
	}
	if strings.TrimSpace(p.cfg.BasePath) == "" {
		return Plan{}, errors.New("document base path is not configured")
	}

	return Plan{
		DisplayName: strings.ToLower(fmt.Sprintf("cli-rag-corpus-%s-%s", segment, stance)),
		Paths: []string{
			joinPath(p.cfg.BasePath, segment, stance.String()),
			joinPath(p.cfg.BasePath, segment, neutralFolder),
		},
	}, nil
}

// Provision 创建语料库并导入立场文档与中立文档。
func (p *Provisioner) Provision(ctx context.Context, topic string, stance debate.Stance) *debate.CorpusHandle {
	plan, err := p.PlanFor(topic, stance)
	if err != nil {
		p.logger.Info("skipping corpus provisioning", zap.String("subject", topic), zap.String("stance", stance.String()), zap.Error(err))
		return nil
	}

	if !p.cfg.Reuse {
		handle, err := p.provision(ctx, plan, topic, stance)
		if err != nil {
			p.logger.Warn("corpus provisioning failed", zap.String("display_name", plan.DisplayName), zap.Error(err))
			return nil
		}
		return handle
	}

	if handle, ok := p.cached(plan.DisplayName); ok {
		p.logger.Debug("reusing corpus", zap.String("display_name", plan.DisplayName), zap.String("name", handle.Name))
		return &handle
	}

	// 共享调用不受单个请求取消的影响，只受超时约束。
	shared := context.WithoutCancel(ctx)
	result, err, _ := p.group.Do(plan.DisplayName, func() (any, error) {
		if handle, ok := p.cached(plan.DisplayName); ok {
			return &handle, nil
		}
		handle, err := p.provision(shared, plan, topic, stance)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[plan.DisplayName] = *handle
		p.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		p.logger.Warn("corpus provisioning failed", zap.String("display_name", plan.DisplayName), zap.Error(err))
		return nil
	}

	handle := *result.(*debate.CorpusHandle)
	return &handle
}

func (p *Provisioner) provision(ctx context.Context, plan Plan, topic string, stance debate.Stance) (*debate.CorpusHandle, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	p.logger.Info("provisioning corpus", zap.String("display_name", plan.DisplayName), zap.Strings("paths", plan.Paths))

	corpus, err := p.service.CreateCorpus(ctx, plan.DisplayName, p.cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}

	err = p.service.ImportDocuments(ctx, corpus.Name, plan.Paths, ImportOptions{
		ChunkSize:                  p.cfg.ChunkSize,
		ChunkOverlap:               p.cfg.ChunkOverlap,
		MaxEmbeddingRequestsPerMin: p.cfg.MaxImportRatePerMin,
	})
	if err != nil {
		// 语料库已创建但为空，不能用于检索。
		return nil, fmt.Errorf("corpus %s created without documents: %w", corpus.Name, err)
	}

	p.logger.Info("corpus ready",
		zap.String("name", corpus.Name),
		zap.String("display_name", plan.DisplayName),
		zap.Duration("elapsed", time.Since(started)))

	return &debate.CorpusHandle{
		Name:        corpus.Name,
		DisplayName: plan.DisplayName,
		Subject:     topic,
		Stance:      stance,
	}, nil
}

func (p *Provisioner) cached(displayName string) (debate.CorpusHandle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handle, ok := p.cache[displayName]
	return handle, ok
}

func joinPath(base string, segments ...string) string {
	parts := append([]string{strings.TrimRight(base, "/")}, segments...)
	return strings.Join(parts, "/")
}
