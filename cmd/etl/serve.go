package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/httpapi"
	"github.com/zakupai/etl/internal/logging"
	"github.com/zakupai/etl/internal/search"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Start the HTTP API: semantic search, single-document ingestion
(/etl/upload, /etl/upload-url), health and metrics. Shuts down
gracefully on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	searcher := search.New(a.embedder, a.vectors, a.docs, cfg.Qdrant.Collection, logger.Named("search"))

	srv, err := httpapi.NewServer(httpapi.Deps{
		Search:    searcher,
		Fetcher:   a.fetcher,
		Extractor: a.extractor,
		Indexer:   a.indexer,
		OCR:       a.ocrEngine,
		Docs:      a.docs,
		Vectors:   a.vectors,
		Embedder:  a.embedder,
		Gatherer:  a.registry,
	}, httpapi.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		MaxBytes: cfg.Fetch.MaxFileBytes,
	}, logger.Named("http"))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the configured backing stores",
	Long:  `Connect to PostgreSQL, Qdrant and the embedder, print per-subsystem status, and exit non-zero if any is unreachable.`,
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	failed := false
	probe := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			cmd.PrintErrf("%-10s unavailable: %v\n", name, err)
			failed = true
			return
		}
		cmd.Printf("%-10s ok\n", name)
	}
	probe("postgres", a.docs.Health)
	probe("qdrant", a.vectors.Health)
	probe("embedder", a.embedder.Health)

	// OCR is a fallback path; report it without failing the probe.
	if err := a.ocrEngine.Ready(ctx); err != nil {
		cmd.PrintErrf("%-10s unavailable (text-layer extraction still works): %v\n", "ocr", err)
	} else {
		cmd.Printf("%-10s ok\n", "ocr")
	}

	if failed {
		return exitErr(1, errors.New("one or more subsystems unavailable"))
	}
	return nil
}
