package worker

import (
	"context"
	"time"

	"papergraph/core/port/out"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

const (
	schedulerInterval  = 10 * time.Minute
	schedulerStaleness = 6 * time.Hour
	schedulerBatchSize = 50
)

// SyncScheduler enqueues background syncs for users whose mailboxes
// have gone stale. Explicit API-triggered syncs always take precedence
// through the per-user lock inside the sync service.
type SyncScheduler struct {
	users    out.UserRepository
	producer out.JobProducer

	interval  time.Duration
	staleness time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSyncScheduler builds the scheduler. interval is how often a pass
// runs, staleness marks a mailbox as overdue; zero values take the
// package defaults.
func NewSyncScheduler(users out.UserRepository, producer out.JobProducer, interval, staleness time.Duration) *SyncScheduler {
	if interval <= 0 {
		interval = schedulerInterval
	}
	if staleness <= 0 {
		staleness = schedulerStaleness
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncScheduler{
		users:     users,
		producer:  producer,
		interval:  interval,
		staleness: staleness,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *SyncScheduler) Start() {
	logger.Info("sync scheduler starting")
	go s.run()
}

func (s *SyncScheduler) Stop() {
	s.cancel()
}

func (s *SyncScheduler) run() {
	// Let the worker settle before the first pass.
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(30 * time.Second):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.enqueueStale()
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *SyncScheduler) enqueueStale() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	users, err := s.users.ListSyncStale(ctx, time.Now().Add(-s.staleness), schedulerBatchSize)
	if err != nil {
		logger.WithError(err).Error("stale user listing failed")
		return
	}
	if len(users) == 0 {
		return
	}

	// Keep the lane shallow; explicit syncs should not queue behind a
	// scheduler burst.
	if depth, err := s.producer.Depth(ctx, out.LaneDefault); err == nil && depth > int64(schedulerBatchSize) {
		logger.WithField("depth", depth).Info("default lane busy, skipping scheduler pass")
		return
	}

	enqueued := 0
	for _, user := range users {
		for _, provider := range user.Providers {
			if _, err := s.producer.EnqueueSync(ctx, user.ID, provider, false); err != nil {
				logger.WithError(fault.As(err)).WithFields(map[string]any{
					"user_id":  user.ID.String(),
					"provider": string(provider),
				}).Error("background sync enqueue failed")
				continue
			}
			enqueued++
		}
	}
	logger.WithFields(map[string]any{
		"stale_users": len(users),
		"enqueued":    enqueued,
	}).Info("background syncs enqueued")
}
