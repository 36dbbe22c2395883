package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zakupai/etl/internal/faults"
)

// collectionNamePattern validates collection names: lowercase letters,
// numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// VectorIDPrefix prefixes every deterministic point identifier.
const VectorIDPrefix = "etl_doc:"

// VectorID builds the deterministic point identifier for a document.
func VectorID(docID int64) string {
	return fmt.Sprintf("%s%d", VectorIDPrefix, docID)
}

// Config holds configuration for the Qdrant gRPC client.
type Config struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334, not the HTTP REST 6333).
	Port int

	// VectorSize is the embedding dimensionality. Must match the
	// embedder's output.
	VectorSize uint64

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Timeout bounds a single store call.
	Timeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// ValidateCollectionName validates a collection name against the
// ^[a-z0-9_]{1,64}$ pattern.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return faults.Newf(faults.KindValidation,
			"collection name must match ^[a-z0-9_]{1,64}$, got %q", name)
	}
	return nil
}

// isTransientCode reports whether a gRPC status code is worth retrying.
func isTransientCode(code grpccodes.Code) bool {
	switch code {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// wrapStoreError maps a gRPC failure onto the fault taxonomy.
// NotFound means the caller named a collection that does not exist.
// Transient codes and plain transport errors surface as
// vector_store_unavailable so the pipeline retries them; anything
// else is a bug on our side.
func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return faults.Wrap(faults.KindVectorUnavailable, err)
	}
	switch {
	case st.Code() == grpccodes.NotFound:
		return faults.Wrap(faults.KindValidation, err)
	case st.Code() == grpccodes.InvalidArgument:
		return faults.Wrap(faults.KindValidation, err)
	case isTransientCode(st.Code()):
		return faults.Wrap(faults.KindVectorUnavailable, err)
	default:
		return faults.Wrap(faults.KindInternal, err)
	}
}

// QdrantStore is a Store backed by Qdrant's native gRPC client. The
// binary transport avoids the REST layer's payload limits on large
// extracted documents.
type QdrantStore struct {
	client *qdrant.Client
	cfg    Config
	logger *zap.Logger

	// collections caches collection existence to avoid repeated checks.
	collections sync.Map
}

// NewQdrantStore creates a QdrantStore and verifies connectivity.
func NewQdrantStore(cfg Config, logger *zap.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{client: client, cfg: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Health(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	return s, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Health checks connectivity to the Qdrant server.
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return faults.Wrap(faults.KindVectorUnavailable, err)
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance if it
// does not exist yet. Existence is cached per store instance.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if _, ok := s.collections.Load(name); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return wrapStoreError(err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.cfg.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			// A concurrent worker may have created it first.
			if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.AlreadyExists {
				return wrapStoreError(err)
			}
		}
		s.logger.Info("created qdrant collection",
			zap.String("collection", name),
			zap.Uint64("vector_size", s.cfg.VectorSize),
		)
	}

	s.collections.Store(name, true)
	return nil
}

// Upsert writes one vector under the numeric point id docID. The
// payload carries the printable vector id and hydration metadata.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, docID int64, vector []float32, payload Payload) error {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return err
	}
	if uint64(len(vector)) != s.cfg.VectorSize {
		return faults.Newf(faults.KindDimMismatch,
			"vector has dimension %d, collection expects %d", len(vector), s.cfg.VectorSize)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(docID)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(map[string]any{
			"vector_id": VectorID(docID),
			"doc_id":    docID,
			"file_name": payload.FileName,
			"lot_id":    payload.LotID,
			"source":    payload.Source,
		}),
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{point},
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return wrapStoreError(err)
	}
	return nil
}

// TopK returns up to k nearest points ordered by descending score.
func (s *QdrantStore) TopK(ctx context.Context, collection string, vector []float32, k int) ([]Hit, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, faults.Newf(faults.KindValidation, "k must be positive, got %d", k)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, wrapStoreError(err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, hitFromPoint(p))
	}
	return hits, nil
}

// Exists reports which of the given document ids have a stored point.
func (s *QdrantStore) Exists(ctx context.Context, collection string, docIDs []int64) (map[int64]bool, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	found := make(map[int64]bool, len(docIDs))
	if len(docIDs) == 0 {
		return found, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ids := make([]*qdrant.PointId, len(docIDs))
	for i, id := range docIDs {
		ids[i] = qdrant.NewIDNum(uint64(id))
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            ids,
	})
	if err != nil {
		return nil, wrapStoreError(err)
	}

	for _, p := range points {
		found[int64(p.GetId().GetNum())] = true
	}
	return found, nil
}

// hitFromPoint converts a scored point into a Hit.
func hitFromPoint(p *qdrant.ScoredPoint) Hit {
	hit := Hit{
		Score:    p.GetScore(),
		Metadata: make(map[string]any),
	}
	for key, value := range p.GetPayload() {
		switch v := value.GetKind().(type) {
		case *qdrant.Value_StringValue:
			hit.Metadata[key] = v.StringValue
			if key == "vector_id" {
				hit.VectorID = v.StringValue
			}
		case *qdrant.Value_IntegerValue:
			hit.Metadata[key] = v.IntegerValue
			if key == "doc_id" {
				hit.DocID = v.IntegerValue
			}
		case *qdrant.Value_DoubleValue:
			hit.Metadata[key] = v.DoubleValue
		case *qdrant.Value_BoolValue:
			hit.Metadata[key] = v.BoolValue
		}
	}
	return hit
}

var _ Store = (*QdrantStore)(nil)
