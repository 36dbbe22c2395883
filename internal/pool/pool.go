// Package pool runs ingest jobs with bounded parallelism. One job is
// one attachment; a worker runs the whole fetch/extract/index pipeline
// for it, so a ZIP's contained PDFs stay sequential inside one job.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/faults"
)

// ErrStopped is returned by Submit after the pool has been stopped.
var ErrStopped = errors.New("pool stopped")

// Status is the lifecycle state of one job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFetching   Status = "fetching"
	StatusExtracting Status = "extracting"
	StatusIndexing   Status = "indexing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Meta identifies a job in status reports and logs.
type Meta struct {
	LotID    string
	FileName string
}

// Task is the unit of work a worker runs. report publishes
// mid-pipeline stage transitions (fetching, extracting, indexing).
type Task func(ctx context.Context, report func(Status)) error

// StatusSink receives every job status transition. Implementations
// must be safe for concurrent use.
type StatusSink interface {
	OnTransition(jobID uuid.UUID, meta Meta, status Status)
}

// NopSink discards all transitions.
type NopSink struct{}

func (NopSink) OnTransition(uuid.UUID, Meta, Status) {}

// Handle tracks one submitted job.
type Handle struct {
	ID   uuid.UUID
	Meta Meta

	task Task
	done chan struct{}

	mu         sync.Mutex
	status     Status
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// Done is closed when the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the job's current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the job's terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Duration returns how long the job ran. Zero until terminal.
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finishedAt.IsZero() {
		return 0
	}
	return h.finishedAt.Sub(h.startedAt)
}

// Config holds worker pool configuration.
type Config struct {
	// MaxWorkers is the number of parallel workers.
	MaxWorkers int

	// QueueCapacity is the submit buffer size. Submit blocks once the
	// buffer is full.
	QueueCapacity int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	return nil
}

// Pool executes jobs with a fixed worker count and a bounded queue.
type Pool struct {
	cfg     Config
	queue   chan *Handle
	sink    StatusSink
	metrics *Metrics
	logger  *zap.Logger

	// baseCtx is the context every task runs under. It is cancelled by
	// Stop and by the parent context passed to New, so in-flight jobs
	// observe a stop at their next blocking call.
	baseCtx context.Context
	cancel  context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool and starts its workers. Tasks run under a context
// derived from ctx; cancelling it aborts in-flight jobs as cancelled.
func New(ctx context.Context, cfg Config, sink StatusSink, metrics *Metrics, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p := &Pool{
		cfg:     cfg,
		queue:   make(chan *Handle, cfg.QueueCapacity),
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	p.baseCtx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p, nil
}

// Submit enqueues one job, blocking while the queue is at capacity.
func (p *Pool) Submit(ctx context.Context, meta Meta, task Task) (*Handle, error) {
	h := &Handle{
		ID:     uuid.New(),
		Meta:   meta,
		task:   task,
		done:   make(chan struct{}),
		status: StatusPending,
	}
	p.sink.OnTransition(h.ID, h.Meta, StatusPending)

	select {
	case <-p.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, faults.Wrap(faults.KindCancelled, ctx.Err())
	case p.queue <- h:
		return h, nil
	}
}

// Stop cancels the task context and signals workers to exit without
// dequeuing more. In-flight jobs abort at their next blocking call;
// jobs still queued are failed as cancelled so their waiters unblock.
// Blocks until all workers return.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.cancel()
	})
	p.wg.Wait()

	for {
		select {
		case h := <-p.queue:
			p.finish(h, faults.New(faults.KindCancelled, "pool stopped before job ran"))
		default:
			return
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		default:
		}

		select {
		case <-p.stopped:
			return
		case h := <-p.queue:
			p.run(h)
		}
	}
}

func (p *Pool) run(h *Handle) {
	h.mu.Lock()
	h.startedAt = time.Now()
	h.mu.Unlock()

	report := func(s Status) {
		h.mu.Lock()
		h.status = s
		h.mu.Unlock()
		p.sink.OnTransition(h.ID, h.Meta, s)
	}

	// A panicking task fails only its own job.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = faults.Newf(faults.KindInternal, "job panicked: %v", r)
			}
		}()
		return h.task(p.baseCtx, report)
	}()

	p.finish(h, err)
}

func (p *Pool) finish(h *Handle, err error) {
	status := StatusDone
	if err != nil {
		status = StatusFailed
	}

	h.mu.Lock()
	if h.startedAt.IsZero() {
		h.startedAt = time.Now()
	}
	h.finishedAt = time.Now()
	h.status = status
	h.err = err
	duration := h.finishedAt.Sub(h.startedAt)
	h.mu.Unlock()

	p.sink.OnTransition(h.ID, h.Meta, status)
	if p.metrics != nil {
		p.metrics.observe(status, faults.KindOf(err), duration)
	}
	if err != nil {
		p.logger.Warn("job failed",
			zap.String("job_id", h.ID.String()),
			zap.String("lot_id", h.Meta.LotID),
			zap.String("file_name", h.Meta.FileName),
			zap.String("error_kind", string(faults.KindOf(err))),
			zap.Error(err),
		)
	}
	close(h.done)
}
