// Package vectorstore provides embedding storage and similarity search
// over Qdrant's native gRPC transport.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the Qdrant client could not connect.
	ErrConnectionFailed = errors.New("connection to qdrant failed")
)

// Payload is the metadata stored alongside a vector. The vector id is
// deterministic ("etl_doc:" + doc_id) so re-embedding replaces the
// prior point instead of duplicating it.
type Payload struct {
	DocID    int64
	FileName string
	LotID    string
	Source   string
}

// Hit is one similarity-search result.
type Hit struct {
	// DocID is the relational row id carried in the payload.
	DocID int64

	// VectorID is the deterministic point identifier.
	VectorID string

	// Score is the raw similarity score reported by the store
	// (cosine, in [-1, 1]).
	Score float32

	// Metadata is the full payload forwarded to clients.
	Metadata map[string]any
}

// Store is the vector store surface the indexer and query service use.
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, name string) error

	// Upsert writes a vector under the deterministic id derived from
	// the document id, replacing any prior vector with that id.
	Upsert(ctx context.Context, collection string, docID int64, vector []float32, payload Payload) error

	// TopK returns up to k nearest points ordered by descending score.
	TopK(ctx context.Context, collection string, vector []float32, k int) ([]Hit, error)

	// Exists reports which of the given document ids have a point.
	Exists(ctx context.Context, collection string, docIDs []int64) (map[int64]bool, error)

	// Health checks connectivity.
	Health(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
