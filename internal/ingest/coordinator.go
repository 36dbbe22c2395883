package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/docstore"
	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/feed"
	"github.com/zakupai/etl/internal/pool"
)

// LotSource is the lot feed surface the coordinator reads.
type LotSource interface {
	Fetch(ctx context.Context, since time.Time, limit int) ([]feed.Lot, error)
}

// AuditLog records one batch report row.
type AuditLog interface {
	AppendImportLog(ctx context.Context, log docstore.ImportLog) error
}

// BatchParams configures one ingestion batch.
type BatchParams struct {
	// Keywords filter lots: a lot matches when any keyword is a
	// case-insensitive substring of its title or description. An empty
	// list matches every lot.
	Keywords []string

	// MaxLots caps how many lots are pulled from the feed.
	MaxLots int

	// Since is forwarded to the feed as a time filter. Zero means no
	// filter.
	Since time.Time
}

// BatchReport summarises one batch. Partial failure is normal: failed
// jobs are counted by error kind, never raised.
type BatchReport struct {
	BatchID             string         `json:"batch_id"`
	LotsFetched         int            `json:"lots_fetched"`
	LotsMatched         int            `json:"lots_matched"`
	AttachmentsEnqueued int            `json:"attachments_enqueued"`
	DocumentsInserted   int            `json:"documents_inserted"`
	DocumentsDuplicate  int            `json:"documents_duplicate"`
	FailuresByKind      map[string]int `json:"failures_by_kind"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
}

// Coordinator drives one ingestion batch end to end.
type Coordinator struct {
	source   LotSource
	pool     *pool.Pool
	pipeline *Pipeline
	audit    AuditLog
	logger   *zap.Logger
}

// NewCoordinator wires the batch driver.
func NewCoordinator(source LotSource, p *pool.Pool, pipeline *Pipeline, audit AuditLog, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{source: source, pool: p, pipeline: pipeline, audit: audit, logger: logger}
}

// RunBatch pulls lots, enqueues one job per attachment of every
// matched lot, waits for the pool to drain them and aggregates the
// outcome. The only fatal failure is the initial feed fetch.
func (c *Coordinator) RunBatch(ctx context.Context, params BatchParams) (BatchReport, error) {
	report := BatchReport{
		BatchID:        uuid.NewString(),
		FailuresByKind: make(map[string]int),
		StartedAt:      time.Now().UTC(),
	}

	lots, err := c.source.Fetch(ctx, params.Since, params.MaxLots)
	if err != nil {
		if errors.Is(err, feed.ErrAuthRejected) {
			return report, err
		}
		return report, fmt.Errorf("%w: %v", feed.ErrUnavailable, err)
	}
	report.LotsFetched = len(lots)

	type jobOutcome struct {
		handle  *pool.Handle
		outcome *Outcome
	}
	var jobs []jobOutcome

	for _, lot := range lots {
		if !matches(lot, params.Keywords) {
			continue
		}
		report.LotsMatched++

		for _, ref := range lot.Attachments {
			lot, ref := lot, ref
			// Written by the worker before Done closes, read after.
			out := &Outcome{}

			handle, err := c.pool.Submit(ctx, pool.Meta{LotID: lot.ID, FileName: ref.Name},
				func(jctx context.Context, reportStatus func(pool.Status)) error {
					res, err := c.pipeline.Process(jctx, lot.ID, ref, reportStatus)
					*out = res
					return err
				})
			if err != nil {
				report.FailuresByKind[string(faults.KindOf(err))]++
				continue
			}
			report.AttachmentsEnqueued++
			jobs = append(jobs, jobOutcome{handle: handle, outcome: out})
		}
	}

	for _, j := range jobs {
		<-j.handle.Done()
		report.DocumentsInserted += j.outcome.Inserted
		report.DocumentsDuplicate += j.outcome.Duplicates
		if err := j.handle.Err(); err != nil {
			report.FailuresByKind[string(faults.KindOf(err))]++
		}
	}
	report.FinishedAt = time.Now().UTC()

	c.appendAudit(ctx, report)
	c.logger.Info("batch finished",
		zap.String("batch_id", report.BatchID),
		zap.Int("lots_fetched", report.LotsFetched),
		zap.Int("lots_matched", report.LotsMatched),
		zap.Int("inserted", report.DocumentsInserted),
		zap.Int("duplicates", report.DocumentsDuplicate),
		zap.Int("failures", len(report.FailuresByKind)),
	)
	return report, nil
}

// appendAudit writes the batch row; audit failures are logged, never
// fatal.
func (c *Coordinator) appendAudit(ctx context.Context, report BatchReport) {
	if c.audit == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		c.logger.Warn("marshaling batch report", zap.Error(err))
		return
	}
	err = c.audit.AppendImportLog(ctx, docstore.ImportLog{
		BatchID:    report.BatchID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		ReportJSON: payload,
	})
	if err != nil {
		c.logger.Warn("appending import log",
			zap.String("batch_id", report.BatchID),
			zap.Error(err),
		)
	}
}

// matches reports whether any keyword is a case-insensitive substring
// of the lot title or description. No keywords means match-all.
func matches(lot feed.Lot, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	title := strings.ToLower(lot.Title)
	desc := strings.ToLower(lot.Description)
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(title, kw) || strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}
