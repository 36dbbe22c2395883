// Package index persists extracted documents into the relational and
// vector sinks. The indexer is the only writer to either sink; the
// relational row always lands first, so an embedding can never exist
// without its document.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/docstore"
	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/vectorstore"
)

// Source is the payload source tag written with every vector.
const Source = "etl_documents"

// Action reports what the indexer did with a document.
type Action string

const (
	// ActionInserted means a new row and vector were written.
	ActionInserted Action = "inserted"

	// ActionDuplicateKept means a row already existed for the
	// (lot_id, file_name) key; the stored content wins and nothing
	// was overwritten.
	ActionDuplicateKept Action = "duplicate_kept"
)

// DocWriter is the relational surface the indexer needs.
type DocWriter interface {
	TryInsert(ctx context.Context, doc docstore.Document) (id int64, inserted bool, err error)
	GetByKey(ctx context.Context, lotID, fileName string) (*docstore.Document, error)
	GetByID(ctx context.Context, id int64) (*docstore.Document, error)
	ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorWriter is the vector-store surface the indexer needs.
type VectorWriter interface {
	Upsert(ctx context.Context, collection string, docID int64, vector []float32, payload vectorstore.Payload) error
	Exists(ctx context.Context, collection string, docIDs []int64) (map[int64]bool, error)
}

// Result reports the outcome of indexing one document.
type Result struct {
	DocID    int64  `json:"doc_id"`
	VectorID string `json:"vector_id"`
	Action   Action `json:"action"`

	// EmbeddingPending is set when the row was inserted but the
	// embedding step failed. The document is queryable relationally
	// and will be picked up by reconciliation.
	EmbeddingPending bool `json:"embedding_pending,omitempty"`

	// ContentDiffers notes a duplicate whose newly extracted content
	// differs from the stored row. The stored row wins.
	ContentDiffers bool `json:"content_differs,omitempty"`
}

// Indexer writes documents to both sinks idempotently.
type Indexer struct {
	docs       DocWriter
	embedder   Embedder
	vectors    VectorWriter
	collection string
	logger     *zap.Logger
}

// New creates an Indexer writing vectors into the given collection.
func New(docs DocWriter, embedder Embedder, vectors VectorWriter, collection string, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		docs:       docs,
		embedder:   embedder,
		vectors:    vectors,
		collection: collection,
		logger:     logger,
	}
}

// Index persists one extracted document. Duplicate keys are a
// successful no-op; the stored row always wins. When the relational
// insert succeeds but the embedding step fails, the partial Result is
// returned alongside the error so callers can report the doc_id.
func (ix *Indexer) Index(ctx context.Context, lotID, fileName, fileType, content string) (Result, error) {
	content = strings.TrimSpace(content)
	switch {
	case lotID == "":
		return Result{}, faults.New(faults.KindValidation, "lot_id required")
	case fileName == "":
		return Result{}, faults.New(faults.KindValidation, "file_name required")
	case content == "":
		return Result{}, faults.New(faults.KindValidation, "content must be non-empty")
	}

	id, inserted, err := ix.docs.TryInsert(ctx, docstore.Document{
		LotID:    lotID,
		FileName: fileName,
		FileType: fileType,
		Content:  content,
	})
	if err != nil {
		return Result{}, fmt.Errorf("inserting document: %w", err)
	}

	res := Result{DocID: id, VectorID: vectorstore.VectorID(id)}

	if !inserted {
		res.Action = ActionDuplicateKept
		existing, err := ix.docs.GetByKey(ctx, lotID, fileName)
		if err != nil {
			// The row exists; failing the lookup only loses the
			// content-differs note.
			ix.logger.Warn("duplicate row lookup failed",
				zap.String("lot_id", lotID),
				zap.String("file_name", fileName),
				zap.Error(err),
			)
			return res, nil
		}
		if strings.TrimSpace(existing.Content) != content {
			res.ContentDiffers = true
			ix.logger.Info("duplicate kept with differing content",
				zap.Int64("doc_id", id),
				zap.String("lot_id", lotID),
				zap.String("file_name", fileName),
			)
		}
		return res, nil
	}

	res.Action = ActionInserted
	if err := ix.embed(ctx, id, lotID, fileName, content); err != nil {
		res.EmbeddingPending = true
		return res, err
	}

	ix.logger.Debug("indexed document",
		zap.Int64("doc_id", id),
		zap.String("lot_id", lotID),
		zap.String("file_name", fileName),
	)
	return res, nil
}

// Reconcile re-embeds documents that have a relational row but no
// vector, walking up to limit rows per call. Returns the number of
// vectors written.
func (ix *Indexer) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	repaired := 0
	var afterID int64
	for {
		ids, err := ix.docs.ListIDs(ctx, afterID, limit)
		if err != nil {
			return repaired, fmt.Errorf("listing documents: %w", err)
		}
		if len(ids) == 0 {
			return repaired, nil
		}
		afterID = ids[len(ids)-1]

		present, err := ix.vectors.Exists(ctx, ix.collection, ids)
		if err != nil {
			return repaired, fmt.Errorf("checking vectors: %w", err)
		}

		for _, id := range ids {
			if present[id] {
				continue
			}
			doc, err := ix.docs.GetByID(ctx, id)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return repaired, fmt.Errorf("loading orphan %d: %w", id, err)
			}
			if err := ix.embed(ctx, doc.ID, doc.LotID, doc.FileName, doc.Content); err != nil {
				return repaired, fmt.Errorf("re-embedding %d: %w", id, err)
			}
			repaired++
			ix.logger.Info("re-embedded orphan document", zap.Int64("doc_id", id))
		}

		if len(ids) < limit {
			return repaired, nil
		}
	}
}

func (ix *Indexer) embed(ctx context.Context, docID int64, lotID, fileName, content string) error {
	vector, err := ix.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding document %d: %w", docID, err)
	}
	err = ix.vectors.Upsert(ctx, ix.collection, docID, vector, vectorstore.Payload{
		DocID:    docID,
		FileName: fileName,
		LotID:    lotID,
		Source:   Source,
	})
	if err != nil {
		return fmt.Errorf("upserting vector for document %d: %w", docID, err)
	}
	return nil
}
