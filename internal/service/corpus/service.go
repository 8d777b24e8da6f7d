// Package corpus provisions retrieval corpora for debate topics.
package corpus

import "context"

// MaxImportRatePerMin is the ceiling on embedding requests per minute during
// an import.
const MaxImportRatePerMin = 900

// Corpus is a corpus as reported by the Corpus Service.
type Corpus struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// ImportOptions controls how documents are chunked and embedded.
type ImportOptions struct {
	ChunkSize                  int
	ChunkOverlap               int
	MaxEmbeddingRequestsPerMin int
}

// Service creates corpora and imports documents into them. Both calls block
// until the backend has finished the work.
type Service interface {
	CreateCorpus(ctx context.Context, displayName, embeddingModel string) (Corpus, error)
	ImportDocuments(ctx context.Context, corpusName string, paths []string, opts ImportOptions) error
}
