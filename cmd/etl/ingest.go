package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zakupai/etl/internal/feed"
	"github.com/zakupai/etl/internal/ingest"
	"github.com/zakupai/etl/internal/logging"
)

var (
	ingestKeywords string
	ingestMaxLots  int
	ingestSince    string

	reconcileLimit int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion batch and print its report",
	Long: `Pull lots from the feed, filter them by keyword, ingest every
attachment of every matched lot, and print the JSON batch report to
stdout.

Partial failure is normal and still exits 0; the report counts
failures by kind. Exits 2 when the lot feed itself is unreachable.

Examples:
  etl ingest --keywords лак,краска --max-lots 100
  etl ingest --max-lots 50 --since 2024-06-01T00:00:00Z`,
	RunE: runIngest,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-embed documents missing from the vector store",
	Long: `Walk the relational store and re-embed any document that has no
vector, typically left behind by a vector-store outage during ingest.`,
	RunE: runReconcile,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestKeywords, "keywords", "", "comma-separated keyword filter (empty matches all lots)")
	ingestCmd.Flags().IntVar(&ingestMaxLots, "max-lots", 100, "maximum lots to pull from the feed")
	ingestCmd.Flags().StringVar(&ingestSince, "since", "", "only lots updated after this ISO8601 timestamp")

	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 100, "rows checked per relational page")
}

func runIngest(cmd *cobra.Command, args []string) error {
	params, err := batchParams()
	if err != nil {
		return exitErr(exitBadArgs, err)
	}

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

	report, err := a.coordinator.RunBatch(ctx, params)
	if err != nil {
		if errors.Is(err, feed.ErrUnavailable) || errors.Is(err, feed.ErrAuthRejected) {
			return exitErr(2, err)
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// batchParams validates the ingest flags into batch parameters.
func batchParams() (ingest.BatchParams, error) {
	params := ingest.BatchParams{MaxLots: ingestMaxLots}
	if ingestMaxLots <= 0 {
		return params, fmt.Errorf("--max-lots must be positive, got %d", ingestMaxLots)
	}

	for _, kw := range strings.Split(ingestKeywords, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			params.Keywords = append(params.Keywords, kw)
		}
	}

	if ingestSince != "" {
		since, err := time.Parse(time.RFC3339, ingestSince)
		if err != nil {
			return params, fmt.Errorf("--since must be ISO8601 (RFC 3339): %w", err)
		}
		params.Since = since
	}
	return params, nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	if reconcileLimit <= 0 {
		return exitErr(exitBadArgs, fmt.Errorf("--limit must be positive, got %d", reconcileLimit))
	}

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

	repaired, err := a.indexer.Reconcile(ctx, reconcileLimit)
	if err != nil {
		return fmt.Errorf("reconcile stopped after %d repairs: %w", repaired, err)
	}
	cmd.Printf("re-embedded %d orphan document(s)\n", repaired)
	return nil
}
