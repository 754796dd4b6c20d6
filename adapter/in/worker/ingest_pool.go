package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"papergraph/internal/stream"
	"papergraph/pkg/fault"
)

// PoolConfig sizes the worker pool and bounds job runtimes. The hard
// timeout for extraction jobs stays inside the document lease TTL so a
// cancelled job's lease expires before redelivery.
type PoolConfig struct {
	Workers        int
	WorkerChanSize int
	JobTimeout     time.Duration            // default hard timeout
	TimeoutByKind  map[string]time.Duration // per-kind hard timeouts
	SoftRatio      float64                  // warn after this fraction of the hard timeout
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        4,
		WorkerChanSize: 16,
		JobTimeout:     10 * time.Minute,
		SoftRatio:      0.9,
		TimeoutByKind: map[string]time.Duration{
			stream.JobAttachment: 10 * time.Minute,
			stream.JobDocument:   10 * time.Minute,
			stream.JobSync:       30 * time.Minute,
		},
	}
}

type task struct {
	job  *stream.Job
	done chan error
}

type jobWorker struct {
	d *Dispatcher
}

func (w *jobWorker) Do(ctx context.Context, t *task) error {
	err := w.d.run(ctx, t.job)
	t.done <- err
	return err
}

// Dispatcher bridges the queue consumer and the worker pool: Handle
// blocks until a pool worker settles the job, so failure
// classification flows back to the queue's retry machinery.
type Dispatcher struct {
	handler *Handler
	cfg     *PoolConfig
	workers *pool.WorkerGroup[*task]
	log     zerolog.Logger

	processed int64
	failed    int64
}

func NewDispatcher(handler *Handler, cfg *PoolConfig, log zerolog.Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	d := &Dispatcher{
		handler: handler,
		cfg:     cfg,
		log:     log.With().Str("component", "worker_pool").Logger(),
	}
	d.workers = pool.New[*task](cfg.Workers, &jobWorker{d: d}).
		WithWorkerChanSize(cfg.WorkerChanSize).
		WithContinueOnError()
	return d
}

var _ stream.JobHandler = (*Dispatcher)(nil)

// Start launches the pool workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.workers.Go(ctx); err != nil {
		return err
	}
	d.log.Info().Int("workers", d.cfg.Workers).Msg("worker pool started")
	return nil
}

// Stop drains in-flight jobs.
func (d *Dispatcher) Stop(ctx context.Context) error {
	err := d.workers.Close(ctx)
	d.log.Info().
		Int64("processed", atomic.LoadInt64(&d.processed)).
		Int64("failed", atomic.LoadInt64(&d.failed)).
		Msg("worker pool stopped")
	return err
}

// Handle submits the job and waits for its outcome.
func (d *Dispatcher) Handle(ctx context.Context, job *stream.Job) error {
	t := &task{job: job, done: make(chan error, 1)}
	d.workers.Submit(t)
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return fault.Wrap(fault.KindProviderTransient, "consumer stopped before job settled", ctx.Err())
	}
}

// run executes one job under its hard timeout, warning at the soft
// threshold.
func (d *Dispatcher) run(ctx context.Context, job *stream.Job) error {
	hard := d.timeoutFor(job.Kind)
	jobCtx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	soft := time.AfterFunc(time.Duration(float64(hard)*d.cfg.SoftRatio), func() {
		d.log.Warn().
			Str("job_id", job.JobID).
			Str("kind", job.Kind).
			Dur("hard_timeout", hard).
			Msg("job approaching hard timeout")
	})
	defer soft.Stop()

	start := time.Now()
	err := d.handler.Process(jobCtx, job)
	if err != nil && jobCtx.Err() == context.DeadlineExceeded {
		// Lease fencing and content dedup make redelivery safe.
		err = fault.Wrap(fault.KindProviderTransient, "job exceeded hard timeout", jobCtx.Err())
	}

	if err != nil {
		atomic.AddInt64(&d.failed, 1)
		d.log.Error().
			Err(err).
			Str("job_id", job.JobID).
			Str("kind", job.Kind).
			Int("attempt", job.Attempt).
			Dur("elapsed", time.Since(start)).
			Msg("job failed")
		return err
	}

	atomic.AddInt64(&d.processed, 1)
	d.log.Debug().
		Str("job_id", job.JobID).
		Str("kind", job.Kind).
		Dur("elapsed", time.Since(start)).
		Msg("job processed")
	return nil
}

func (d *Dispatcher) timeoutFor(kind string) time.Duration {
	if t, ok := d.cfg.TimeoutByKind[kind]; ok {
		return t
	}
	return d.cfg.JobTimeout
}
