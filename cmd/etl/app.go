package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/config"
	"github.com/zakupai/etl/internal/docstore"
	"github.com/zakupai/etl/internal/embeddings"
	"github.com/zakupai/etl/internal/extract"
	"github.com/zakupai/etl/internal/feed"
	"github.com/zakupai/etl/internal/fetch"
	"github.com/zakupai/etl/internal/index"
	"github.com/zakupai/etl/internal/ingest"
	"github.com/zakupai/etl/internal/ocr"
	"github.com/zakupai/etl/internal/pool"
	"github.com/zakupai/etl/internal/vectorstore"
)

// app holds every wired component for one process lifetime.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	docs        *docstore.Store
	vectors     *vectorstore.QdrantStore
	embedder    *embeddings.Service
	ocrEngine   *ocr.HTTPEngine
	fetcher     *fetch.Fetcher
	extractor   *extract.Extractor
	indexer     *index.Indexer
	pool        *pool.Pool
	feed        *feed.Client
	coordinator *ingest.Coordinator
}

// buildApp wires the full component graph from configuration. Both
// stores are probed during construction; an unreachable store fails
// startup rather than the first job.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector())

	var err error
	a.docs, err = docstore.New(ctx, docstore.Config{
		DSN: cfg.Postgres.DSN,
		// One connection per worker plus headroom for the HTTP handlers.
		MaxConns: int32(cfg.Pool.MaxWorkers + 2),
		Timeout:  time.Duration(cfg.Postgres.TimeoutSec) * time.Second,
	}, logger.Named("docstore"))
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}

	a.vectors, err = vectorstore.NewQdrantStore(vectorstore.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		VectorSize: uint64(cfg.Embeddings.Dim),
		UseTLS:     cfg.Qdrant.UseTLS,
		Timeout:    time.Duration(cfg.Qdrant.TimeoutSec) * time.Second,
	}, logger.Named("vectorstore"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}

	a.embedder, err = embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.URL,
		Dim:     cfg.Embeddings.Dim,
		Timeout: time.Duration(cfg.Embeddings.TimeoutSec) * time.Second,
	}, logger.Named("embeddings"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}

	a.ocrEngine, err = ocr.NewHTTPEngine(ocr.Config{
		BaseURL: cfg.OCR.URL,
		Timeout: time.Duration(cfg.OCR.TimeoutSec) * time.Second,
	}, logger.Named("ocr"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ocr engine: %w", err)
	}

	a.fetcher = fetch.New(fetch.Config{
		MaxBytes:   cfg.Fetch.MaxFileBytes,
		Timeout:    time.Duration(cfg.Fetch.TimeoutSec) * time.Second,
		AuthHeader: bearer(cfg.Feed.Auth),
	}, logger.Named("fetch"))

	a.extractor = extract.New(extract.Config{
		TextThresholdChars: cfg.Extract.TextThresholdChars,
		Languages:          strings.Split(cfg.OCR.Languages, "+"),
		PSM:                cfg.OCR.PSM,
		OCRTimeout:         time.Duration(cfg.OCR.TimeoutSec) * time.Second,
	}, extract.Deps{
		Renderer: ocr.NewFitzRenderer(cfg.Extract.RenderScale),
		Engine:   a.ocrEngine,
	}, logger.Named("extract"))

	a.indexer = index.New(a.docs, a.embedder, a.vectors, cfg.Qdrant.Collection, logger.Named("index"))

	a.pool, err = pool.New(ctx, pool.Config{
		MaxWorkers:    cfg.Pool.MaxWorkers,
		QueueCapacity: cfg.Pool.QueueCapacity,
	}, nil, pool.NewMetrics(a.registry), logger.Named("pool"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("worker pool: %w", err)
	}

	a.feed, err = feed.NewClient(feed.Config{
		BaseURL: cfg.Feed.URL,
		Token:   cfg.Feed.Auth,
		Timeout: time.Duration(cfg.Feed.TimeoutSec) * time.Second,
	}, logger.Named("feed"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("lot feed: %w", err)
	}

	retry := ingest.RetryPolicy{
		MaxRetries: cfg.Pool.RetriesMax,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
	}
	pipeline := ingest.NewPipeline(a.fetcher, a.extractor, a.indexer, cfg.Fetch.MaxFileBytes, retry, logger.Named("pipeline"))
	a.coordinator = ingest.NewCoordinator(a.feed, a.pool, pipeline, a.docs, logger.Named("coordinator"))

	return a, nil
}

// Close tears down in reverse dependency order. Safe on a partially
// built app.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.logger.Warn("closing vector store", zap.Error(err))
		}
	}
	if a.docs != nil {
		a.docs.Close()
	}
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}
