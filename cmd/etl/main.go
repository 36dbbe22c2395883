// Package main implements the etl binary: the ingestion and search
// daemon plus batch tooling for the procurement document pipeline.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/config"
	"github.com/zakupai/etl/internal/logging"
)

var (
	configPath string
	version    = "dev"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitError{code: code, err: err}
}

const exitBadArgs = 64

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "etl",
	Short: "Procurement document ETL: ingest lot attachments, search them semantically",
	Long: `etl ingests procurement lot attachments (PDF and ZIP-of-PDF),
extracts their text with an OCR fallback, and indexes the result into
PostgreSQL and Qdrant for semantic search.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (optional; env vars always apply)")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return exitErr(exitBadArgs, err)
	})
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(healthCmd)
}

// loadConfig loads configuration and builds the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, logger, nil
}
