// Package embeddings provides embedding generation via a TEI-style
// HTTP service.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/faults"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the base URL for the embedding API.
	BaseURL string

	// Dim is the expected vector dimension. Responses with a different
	// dimension fail fast.
	Dim int

	// Timeout bounds a single embed call.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	return nil
}

// Service generates embeddings over HTTP.
type Service struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewService creates a new embedding service with the given configuration.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Dimension returns the configured vector dimension.
func (s *Service) Dimension() int {
	return s.cfg.Dim
}

// Health probes the embedder's health endpoint.
func (s *Service) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/health", nil)
	if err != nil {
		return faults.Wrap(faults.KindEmbedUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindEmbedUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return faults.Newf(faults.KindEmbedUnavailable, "embedder health returned %d", resp.StatusCode)
	}
	return nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed generates the embedding for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindEmbedUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindEmbedUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, faults.Newf(faults.KindValidation, "embedder rejected request: %s", string(msg))
	default:
		return nil, faults.Newf(faults.KindEmbedUnavailable, "embedder returned %d", resp.StatusCode)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, faults.Wrap(faults.KindEmbedUnavailable, err)
	}
	if len(vectors) != len(texts) {
		return nil, faults.Newf(faults.KindEmbedUnavailable,
			"embedder returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != s.cfg.Dim {
			return nil, faults.Newf(faults.KindDimMismatch,
				"vector %d has dimension %d, want %d", i, len(v), s.cfg.Dim)
		}
	}

	s.logger.Debug("embedded texts",
		zap.Int("count", len(texts)),
		zap.Duration("duration", time.Since(start)),
	)
	return vectors, nil
}
