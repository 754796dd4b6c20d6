package bootstrap

import (
	"context"
	"sync"
	"time"

	"papergraph/adapter/in/worker"
	"papergraph/config"
	"papergraph/core/port/out"
	"papergraph/internal/stream"
	"papergraph/pkg/logger"
)

// Worker runs the queue consumer, the dispatcher pool, and the
// periodic schedulers as one unit.
type Worker struct {
	dispatcher  *worker.Dispatcher
	consumer    *stream.Consumer
	scheduler   *worker.SyncScheduler
	maintenance *worker.TemplateMaintenance
	deps        *Dependencies

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to initialize dependencies")
		return nil, nil, err
	}

	zlog := newZerolog("worker")

	handler := worker.NewHandler(deps.ExtractionService, deps.SyncService)

	poolCfg := worker.DefaultPoolConfig()
	if cfg.WorkerConcurrency > 0 {
		poolCfg.Workers = cfg.WorkerConcurrency
	}
	if cfg.HardTimeLimit > 0 {
		poolCfg.JobTimeout = cfg.HardTimeLimit
	}
	if cfg.SoftTimeLimit > 0 && cfg.HardTimeLimit > 0 {
		poolCfg.SoftRatio = cfg.SoftTimeLimit.Seconds() / cfg.HardTimeLimit.Seconds()
	}
	dispatcher := worker.NewDispatcher(handler, poolCfg, zlog)

	consumer := stream.NewConsumer(deps.Stream, &stream.ConsumerConfig{
		Consumer: cfg.WorkerID,
		Lanes:    []string{out.LaneAttachments, out.LaneDocuments, out.LaneDefault},
		Handler:  dispatcher,
		Records:  deps.JobRecordRepo,
		Logger:   zlog,
		Retry: stream.RetryPolicy{
			MaxAttempts: cfg.MaxJobAttempts,
			Base:        cfg.RetryBackoffBase,
			Cap:         cfg.RetryBackoffCap,
		},
	})

	scheduler := worker.NewSyncScheduler(deps.UserRepo, deps.Producer, cfg.SyncCheckInterval, cfg.SyncStaleThreshold)
	maintenance := worker.NewTemplateMaintenance(deps.TemplateRepo, time.Duration(cfg.TemplateTTLDays)*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		dispatcher:  dispatcher,
		consumer:    consumer,
		scheduler:   scheduler,
		maintenance: maintenance,
		deps:        deps,
		ctx:         ctx,
		cancel:      cancel,
	}
	return w, cleanup, nil
}

// Start blocks until Stop cancels the worker context.
func (w *Worker) Start() error {
	if err := w.dispatcher.Start(w.ctx); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
			logger.Error("queue consumer stopped: %v", err)
		}
	}()

	w.scheduler.Start()
	w.maintenance.Start()
	logger.Info("worker started: id=%s", w.deps.Config.WorkerID)

	<-w.ctx.Done()
	return nil
}

func (w *Worker) Stop(ctx context.Context) {
	w.cancel()

	w.scheduler.Stop()
	w.maintenance.Stop()
	w.wg.Wait()

	if err := w.dispatcher.Stop(ctx); err != nil {
		logger.Warn("dispatcher shutdown: %v", err)
	}
	logger.Info("worker stopped")
}

// Dependencies exposes the wired graph, mainly for tests and the
// combined api+worker mode.
func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
