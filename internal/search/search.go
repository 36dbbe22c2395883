// Package search answers semantic queries: embed the query text, pull
// the nearest vectors, hydrate them with relational metadata. Strictly
// read-only against both stores.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/docstore"
	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/vectorstore"
)

const (
	// MaxQueryChars caps the query length in runes.
	MaxQueryChars = 512

	// DefaultTopK is used when the request leaves top_k unset.
	DefaultTopK = 5

	// MaxTopK caps how many hits one query may request.
	MaxTopK = 50

	// PreviewChars is the content preview length in runes.
	PreviewChars = 240
)

// Embedder turns the query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher answers nearest-neighbour queries.
type VectorSearcher interface {
	TopK(ctx context.Context, collection string, vector []float32, k int) ([]vectorstore.Hit, error)
}

// DocReader hydrates hits with relational rows.
type DocReader interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*docstore.Document, error)
}

// Params is one search request.
type Params struct {
	// Query is the free-text query, 1 to 512 characters after trim.
	Query string

	// TopK is the number of hits wanted; 0 means DefaultTopK.
	TopK int

	// Collection overrides the default collection when non-empty.
	Collection string
}

// Result is one hydrated hit. Score is cosine similarity normalised
// into [0, 1]. Metadata is the stored vector payload with the
// relational row overriding its own fields.
type Result struct {
	DocID    int64          `json:"doc_id"`
	LotID    string         `json:"lot_id"`
	FileName string         `json:"file_name"`
	Score    float64        `json:"score"`
	Preview  string         `json:"preview"`
	Metadata map[string]any `json:"metadata"`
}

// Service executes semantic searches.
type Service struct {
	embedder   Embedder
	vectors    VectorSearcher
	docs       DocReader
	collection string
	logger     *zap.Logger
}

// New creates a search service reading from the given default
// collection.
func New(embedder Embedder, vectors VectorSearcher, docs DocReader, collection string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		embedder:   embedder,
		vectors:    vectors,
		docs:       docs,
		collection: collection,
		logger:     logger,
	}
}

// Search runs one query. Hits whose relational row has disappeared
// are dropped silently; equal scores tie-break on ascending doc_id.
func (s *Service) Search(ctx context.Context, params Params) ([]Result, error) {
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return nil, faults.New(faults.KindValidation, "query must be non-empty")
	}
	if utf8.RuneCountInString(query) > MaxQueryChars {
		return nil, faults.Newf(faults.KindValidation, "query exceeds %d characters", MaxQueryChars)
	}

	k := params.TopK
	if k == 0 {
		k = DefaultTopK
	}
	if k < 1 || k > MaxTopK {
		return nil, faults.Newf(faults.KindValidation, "top_k must be in [1, %d], got %d", MaxTopK, k)
	}

	collection := params.Collection
	if collection == "" {
		collection = s.collection
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := s.vectors.TopK(ctx, collection, vector, k)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DocID)
	}
	docs, err := s.docs.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrating hits: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		doc, ok := docs[h.DocID]
		if !ok {
			s.logger.Warn("dropping hit without relational row",
				zap.Int64("doc_id", h.DocID),
				zap.String("collection", collection),
			)
			continue
		}
		meta := make(map[string]any, len(h.Metadata)+2)
		for k, v := range h.Metadata {
			meta[k] = v
		}
		meta["lot_id"] = doc.LotID
		meta["file_name"] = doc.FileName
		results = append(results, Result{
			DocID:    doc.ID,
			LotID:    doc.LotID,
			FileName: doc.FileName,
			Score:    normalizeScore(h.Score),
			Preview:  preview(doc.Content),
			Metadata: meta,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	return results, nil
}

// normalizeScore maps cosine similarity from [-1, 1] into [0, 1].
func normalizeScore(s float32) float64 {
	return (float64(s) + 1) / 2
}

// preview returns the first PreviewChars runes of the content with
// newlines collapsed to spaces.
func preview(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) <= PreviewChars {
		return collapsed
	}
	return string(runes[:PreviewChars])
}
