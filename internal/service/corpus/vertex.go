package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/zhouzirui/counterpoint/backend/internal/logging"
)

// ErrNothingImported is returned when an import finishes without adding a
// single file to the corpus.
var ErrNothingImported = errors.New("no documents were imported")

// ragBackend runs RAG data calls to completion. Long-running operations are
// awaited before returning.
type ragBackend interface {
	CreateRagCorpus(ctx context.Context, req *aiplatformpb.CreateRagCorpusRequest) (*aiplatformpb.RagCorpus, error)
	ImportRagFiles(ctx context.Context, req *aiplatformpb.ImportRagFilesRequest) (*aiplatformpb.ImportRagFilesResponse, error)
}

// VertexService implements Service on the Vertex AI RAG data API.
type VertexService struct {
	backend  ragBackend
	project  string
	location string
	logger   *zap.Logger
	close    func() error
}

type vertexOptions struct {
	pollInterval  time.Duration
	logger        *zap.Logger
	clientOptions []option.ClientOption
}

// VertexOption customises a VertexService.
type VertexOption func(*vertexOptions)

// WithPollInterval sets how often long-running operations are polled.
func WithPollInterval(interval time.Duration) VertexOption {
	return func(o *vertexOptions) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) VertexOption {
	return func(o *vertexOptions) {
		o.logger = logger
	}
}

// WithClientOptions appends options to the RAG data client, after the
// regional endpoint.
func WithClientOptions(opts ...option.ClientOption) VertexOption {
	return func(o *vertexOptions) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

// NewVertexService dials the regional RAG data endpoint for project/location.
// Credentials come from Application Default Credentials unless client
// options say otherwise. Close releases the connection.
func NewVertexService(ctx context.Context, project, location string, opts ...VertexOption) (*VertexService, error) {
	if project == "" || location == "" {
		return nil, errors.New("vertex project and location are required")
	}

	o := vertexOptions{pollInterval: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts := append([]option.ClientOption{
		option.WithEndpoint(fmt.Sprintf("%s-aiplatform.googleapis.com:443", location)),
	}, o.clientOptions...)

	client, err := aiplatform.NewVertexRagDataClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rag data client: %w", err)
	}

	svc := newVertexService(&gapicBackend{client: client, pollInterval: o.pollInterval}, project, location, o.logger)
	svc.close = client.Close
	return svc, nil
}

func newVertexService(backend ragBackend, project, location string, logger *zap.Logger) *VertexService {
	return &VertexService{
		backend:  backend,
		project:  project,
		location: location,
		logger:   logging.OrNop(logger).Named("vertex"),
	}
}

// Close releases the underlying client.
func (s *VertexService) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// CreateCorpus creates a corpus embedded with embeddingModel and waits for it.
func (s *VertexService) CreateCorpus(ctx context.Context, displayName, embeddingModel string) (Corpus, error) {
	req := &aiplatformpb.CreateRagCorpusRequest{
		Parent: s.parent(),
		RagCorpus: &aiplatformpb.RagCorpus{
			DisplayName: displayName,
			BackendConfig: &aiplatformpb.RagCorpus_VectorDbConfig{
				VectorDbConfig: &aiplatformpb.RagVectorDbConfig{
					RagEmbeddingModelConfig: &aiplatformpb.RagEmbeddingModelConfig{
						ModelConfig: &aiplatformpb.RagEmbeddingModelConfig_VertexPredictionEndpoint_{
							VertexPredictionEndpoint: &aiplatformpb.RagEmbeddingModelConfig_VertexPredictionEndpoint{
								Endpoint: s.embeddingEndpoint(embeddingModel),
							},
						},
					},
				},
			},
		},
	}

	created, err := s.backend.CreateRagCorpus(ctx, req)
	if err != nil {
		return Corpus{}, fmt.Errorf("failed to create corpus %s: %w", displayName, err)
	}
	if created.GetName() == "" {
		return Corpus{}, fmt.Errorf("create corpus %s: operation returned no corpus name", displayName)
	}

	corpus := Corpus{Name: created.GetName(), DisplayName: created.GetDisplayName()}
	if corpus.DisplayName == "" {
		corpus.DisplayName = displayName
	}
	s.logger.Debug("corpus created", zap.String("name", corpus.Name), zap.String("display_name", corpus.DisplayName))
	return corpus, nil
}

// ImportDocuments imports every file under paths into corpusName and waits for
// the import to finish. An import that adds no file is an error.
func (s *VertexService) ImportDocuments(ctx context.Context, corpusName string, paths []string, opts ImportOptions) error {
	if len(paths) == 0 {
		return errors.New("no document paths to import")
	}

	req := &aiplatformpb.ImportRagFilesRequest{
		Parent: corpusName,
		ImportRagFilesConfig: &aiplatformpb.ImportRagFilesConfig{
			ImportSource: &aiplatformpb.ImportRagFilesConfig_GcsSource{
				GcsSource: &aiplatformpb.GcsSource{Uris: paths},
			},
			RagFileTransformationConfig: &aiplatformpb.RagFileTransformationConfig{
				RagFileChunkingConfig: &aiplatformpb.RagFileChunkingConfig{
					ChunkingConfig: &aiplatformpb.RagFileChunkingConfig_FixedLengthChunking_{
						FixedLengthChunking: &aiplatformpb.RagFileChunkingConfig_FixedLengthChunking{
							ChunkSize:    int32(opts.ChunkSize),
							ChunkOverlap: int32(opts.ChunkOverlap),
						},
					},
				},
			},
			MaxEmbeddingRequestsPerMin: int32(opts.MaxEmbeddingRequestsPerMin),
		},
	}

	result, err := s.backend.ImportRagFiles(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to import into %s: %w", corpusName, err)
	}

	imported := result.GetImportedRagFilesCount()
	failed := result.GetFailedRagFilesCount()
	s.logger.Info("documents imported",
		zap.String("corpus", corpusName),
		zap.Int64("imported", imported),
		zap.Int64("failed", failed),
		zap.Int64("skipped", result.GetSkippedRagFilesCount()))

	if imported == 0 {
		return fmt.Errorf("import into %s: %w (%d failed)", corpusName, ErrNothingImported, failed)
	}
	return nil
}

func (s *VertexService) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", s.project, s.location)
}

// embeddingEndpoint accepts a bare model id, a publisher path or a full
// resource name.
func (s *VertexService) embeddingEndpoint(model string) string {
	model = strings.TrimSpace(model)
	switch {
	case strings.HasPrefix(model, "projects/"):
		return model
	case strings.HasPrefix(model, "publishers/"):
		return fmt.Sprintf("%s/%s", s.parent(), model)
	default:
		return fmt.Sprintf("%s/publishers/google/models/%s", s.parent(), model)
	}
}

// gapicBackend drives the generated client and polls its operations at a
// fixed interval.
type gapicBackend struct {
	client       *aiplatform.VertexRagDataClient
	pollInterval time.Duration
}

func (b *gapicBackend) CreateRagCorpus(ctx context.Context, req *aiplatformpb.CreateRagCorpusRequest) (*aiplatformpb.RagCorpus, error) {
	op, err := b.client.CreateRagCorpus(ctx, req)
	if err != nil {
		return nil, err
	}

	var corpus *aiplatformpb.RagCorpus
	err = pollOperation(ctx, b.pollInterval, func(ctx context.Context) (bool, error) {
		result, err := op.Poll(ctx)
		if err != nil {
			return false, err
		}
		corpus = result
		return op.Done(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.Name(), err)
	}
	return corpus, nil
}

func (b *gapicBackend) ImportRagFiles(ctx context.Context, req *aiplatformpb.ImportRagFilesRequest) (*aiplatformpb.ImportRagFilesResponse, error) {
	op, err := b.client.ImportRagFiles(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *aiplatformpb.ImportRagFilesResponse
	err = pollOperation(ctx, b.pollInterval, func(ctx context.Context) (bool, error) {
		result, err := op.Poll(ctx)
		if err != nil {
			return false, err
		}
		resp = result
		return op.Done(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.Name(), err)
	}
	return resp, nil
}

// pollOperation calls poll until it reports done, it fails or ctx ends.
func pollOperation(ctx context.Context, interval time.Duration, poll func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := poll(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
