// Package ingest drives ingestion batches: the coordinator pulls lots
// from the feed, the pipeline runs fetch, unpack, extract and index
// for one attachment inside one worker-pool job.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/extract"
	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/feed"
	"github.com/zakupai/etl/internal/fetch"
	"github.com/zakupai/etl/internal/index"
	"github.com/zakupai/etl/internal/pool"
	"github.com/zakupai/etl/internal/unpack"
)

// Fetcher downloads one attachment into a size-capped buffer.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
}

// Extractor turns PDF bytes into text.
type Extractor interface {
	Extract(ctx context.Context, pdf []byte) (extract.Result, error)
}

// DocIndexer persists one extracted document into both sinks.
type DocIndexer interface {
	Index(ctx context.Context, lotID, fileName, fileType, content string) (index.Result, error)
}

// Outcome aggregates what one attachment job produced. A ZIP yields
// one unit per contained PDF.
type Outcome struct {
	Inserted   int
	Duplicates int
}

// Pipeline processes one attachment end to end.
type Pipeline struct {
	fetcher   Fetcher
	extractor Extractor
	indexer   DocIndexer
	maxBytes  int64
	retry     RetryPolicy
	logger    *zap.Logger
}

// NewPipeline wires the processing stages together.
func NewPipeline(fetcher Fetcher, extractor Extractor, indexer DocIndexer, maxBytes int64, retry RetryPolicy, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		fetcher:   fetcher,
		extractor: extractor,
		indexer:   indexer,
		maxBytes:  maxBytes,
		retry:     retry,
		logger:    logger,
	}
}

// Process runs the full pipeline for one attachment. Units inside a
// ZIP are handled sequentially in listing order; the first failing
// unit fails the job, but units already indexed stay indexed.
func (p *Pipeline) Process(ctx context.Context, lotID string, ref feed.AttachmentRef, report func(pool.Status)) (Outcome, error) {
	if report == nil {
		report = func(pool.Status) {}
	}
	var out Outcome

	report(pool.StatusFetching)
	var fetched *fetch.Result
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = p.fetcher.Fetch(ctx, ref.URL)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("fetching %s: %w", ref.Name, err)
	}

	it, err := unpack.Open(ref.Name, fetched.Data, p.maxBytes)
	if err != nil {
		return out, fmt.Errorf("unpacking %s: %w", ref.Name, err)
	}

	report(pool.StatusExtracting)
	for it.Next() {
		unit := it.Unit()

		var extracted extract.Result
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			extracted, err = p.extractor.Extract(ctx, unit.Data)
			return err
		})
		if err != nil {
			return out, fmt.Errorf("extracting %s: %w", unit.Name, err)
		}

		report(pool.StatusIndexing)
		var res index.Result
		err = p.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = p.indexer.Index(ctx, lotID, unit.Name, "pdf", extracted.Text)
			return err
		})
		if err != nil {
			if res.EmbeddingPending {
				// The row landed; count it before surfacing the error.
				out.Inserted++
			}
			return out, fmt.Errorf("indexing %s: %w", unit.Name, err)
		}

		switch res.Action {
		case index.ActionInserted:
			out.Inserted++
		case index.ActionDuplicateKept:
			out.Duplicates++
		}
		p.logger.Debug("unit processed",
			zap.String("lot_id", lotID),
			zap.String("file_name", unit.Name),
			zap.String("mode", string(extracted.Mode)),
			zap.String("action", string(res.Action)),
		)
	}
	if err := it.Err(); err != nil {
		return out, fmt.Errorf("reading archive %s: %w", ref.Name, err)
	}
	if it.Count() == 0 {
		return out, faults.Newf(faults.KindNoPDFInArchive, "%s yielded no documents", ref.Name)
	}
	return out, nil
}
