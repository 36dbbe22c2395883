// Package docstore persists extracted documents and import logs in
// PostgreSQL. It is the canonical store; the vector index is derived
// from it and can always be rebuilt from these rows.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/faults"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound indicates no row matched the lookup.
	ErrNotFound = errors.New("document not found")
)

// Config holds configuration for the document store.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxConns caps the connection pool size. Sized to the worker
	// count plus headroom for the HTTP handlers.
	MaxConns int32

	// Timeout bounds a single store call.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: DSN required", ErrInvalidConfig)
	}
	return nil
}

// Document is one extracted attachment stored relationally. The pair
// (LotID, FileName) is unique; re-ingesting the same attachment never
// creates a second row.
type Document struct {
	ID        int64
	LotID     string
	FileName  string
	FileType  string
	Content   string
	CreatedAt time.Time
}

// ImportLog is the append-only audit record of one ingest batch.
type ImportLog struct {
	BatchID    string
	StartedAt  time.Time
	FinishedAt time.Time
	ReportJSON []byte
}

// Store is a PostgreSQL-backed document store.
type Store struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
}

// New creates a Store and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing DSN: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, faults.Wrap(faults.KindDBUnavailable, err)
	}

	s := &Store{pool: pool, cfg: cfg, logger: logger}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, faults.Wrap(faults.KindDBUnavailable, err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health checks connectivity to PostgreSQL.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return faults.Wrap(faults.KindDBUnavailable, err)
	}
	return nil
}

// TryInsert inserts the document if no row exists for its
// (lot_id, file_name) key. On conflict nothing is written and
// inserted is false; the caller decides what to do with the
// pre-existing row.
func (s *Store) TryInsert(ctx context.Context, doc Document) (id int64, inserted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err = s.pool.QueryRow(ctx, `
		INSERT INTO documents (lot_id, file_name, file_type, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lot_id, file_name) DO NOTHING
		RETURNING id`,
		doc.LotID, doc.FileName, doc.FileType, doc.Content,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, faults.Wrap(faults.KindDBUnavailable, err)
	}

	// Conflict path: RETURNING produced no row, fetch the existing id.
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM documents WHERE lot_id = $1 AND file_name = $2`,
		doc.LotID, doc.FileName,
	).Scan(&id)
	if err != nil {
		return 0, false, faults.Wrap(faults.KindDBUnavailable, err)
	}
	return id, false, nil
}

// GetByKey fetches a document by its natural key.
func (s *Store) GetByKey(ctx context.Context, lotID, fileName string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	return s.scanDocument(s.pool.QueryRow(ctx, `
		SELECT id, lot_id, file_name, file_type, content, created_at
		FROM documents WHERE lot_id = $1 AND file_name = $2`,
		lotID, fileName,
	))
}

// GetByID fetches a document by its row id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	return s.scanDocument(s.pool.QueryRow(ctx, `
		SELECT id, lot_id, file_name, file_type, content, created_at
		FROM documents WHERE id = $1`,
		id,
	))
}

// GetByIDs fetches documents for the given row ids. Missing ids are
// silently absent from the result map.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) (map[int64]*Document, error) {
	out := make(map[int64]*Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, lot_id, file_name, file_type, content, created_at
		FROM documents WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, faults.Wrap(faults.KindDBUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.LotID, &doc.FileName, &doc.FileType, &doc.Content, &doc.CreatedAt); err != nil {
			return nil, faults.Wrap(faults.KindDBUnavailable, err)
		}
		out[doc.ID] = &doc
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.KindDBUnavailable, err)
	}
	return out, nil
}

// ListIDs returns up to limit document ids greater than afterID, in
// ascending order. Used to walk the table when reconciling the vector
// index.
func (s *Store) ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM documents WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, faults.Wrap(faults.KindDBUnavailable, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, faults.Wrap(faults.KindDBUnavailable, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.KindDBUnavailable, err)
	}
	return ids, nil
}

// AppendImportLog records the audit row for one ingest batch. A
// failure here is reported to the caller but never fails the batch
// itself; the coordinator logs and moves on.
func (s *Store) AppendImportLog(ctx context.Context, log ImportLog) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_logs (batch_id, started_at, finished_at, report_json)
		VALUES ($1, $2, $3, $4)`,
		log.BatchID, log.StartedAt, log.FinishedAt, log.ReportJSON,
	)
	if err != nil {
		return faults.Wrap(faults.KindDBUnavailable, err)
	}
	return nil
}

func (s *Store) scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.LotID, &doc.FileName, &doc.FileType, &doc.Content, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindDBUnavailable, err)
	}
	return &doc, nil
}
