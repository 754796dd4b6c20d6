// Package sync walks a user's mailbox over the rolling window, persists
// message metadata, and hands new messages to qualification. At most
// one sync runs per user at a time.
package sync

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/in"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

type Config struct {
	WindowMonths  int           // rolling window default, 3
	OverlapWindow time.Duration // re-scan overlap on incremental syncs, 24h
	PageSize      int           // provider listing page size
	MaxRetries    int           // transient retries within one sync
	HighWater     int64         // attachments lane depth that pauses submission
	LowWater      int64         // depth at which submission resumes
}

func (c *Config) defaults() {
	if c.WindowMonths <= 0 {
		c.WindowMonths = 3
	}
	if c.OverlapWindow <= 0 {
		c.OverlapWindow = 24 * time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HighWater <= 0 {
		c.HighWater = 1000
	}
	if c.LowWater <= 0 {
		c.LowWater = 200
	}
}

type Service struct {
	cfg           Config
	users         out.UserRepository
	states        out.SyncStateRepository
	messages      out.MessageRepository
	attachments   out.AttachmentRepository
	credentials   in.CredentialService
	providers     out.ProviderFactory
	producer      out.JobProducer
	qualification in.QualificationService

	mu       sync.Mutex
	inFlight map[uuid.UUID]bool

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewService(
	cfg Config,
	users out.UserRepository,
	states out.SyncStateRepository,
	messages out.MessageRepository,
	attachments out.AttachmentRepository,
	credentials in.CredentialService,
	providers out.ProviderFactory,
	producer out.JobProducer,
	qualification in.QualificationService,
) *Service {
	cfg.defaults()
	return &Service{
		cfg:           cfg,
		users:         users,
		states:        states,
		messages:      messages,
		attachments:   attachments,
		credentials:   credentials,
		providers:     providers,
		producer:      producer,
		qualification: qualification,
		inFlight:      make(map[uuid.UUID]bool),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

var _ in.SyncService = (*Service)(nil)

func (s *Service) SyncUser(ctx context.Context, userID uuid.UUID, provider domain.Provider, force bool) (*domain.SyncReport, error) {
	if !s.tryLock(userID) {
		return nil, fault.New(fault.KindSyncInProgress, "sync already running for user")
	}
	defer s.unlock(userID)

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if err == out.ErrNotFound {
			return nil, fault.Newf(fault.KindInternal, "user %s not found", userID)
		}
		return nil, fault.Wrap(fault.KindInternal, "load user", err)
	}

	state, err := s.loadState(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	since := s.sinceFor(user, state, force)
	cursor := ""
	if state.Status == domain.SyncPartial && !force {
		cursor = state.PageCursor
	}

	state.Status = domain.SyncRunning
	if err := s.states.Save(ctx, state); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "save sync state", err)
	}

	report, scanErr := s.scan(ctx, user, provider, since, cursor, state)

	switch {
	case scanErr == nil && state.Status == domain.SyncPartial:
		// Per-sync cap reached; the cursor resumes the scan next time
		// and last_sync_at stays put until a full pass completes.
	case scanErr == nil:
		now := s.now()
		state.Status = domain.SyncIdle
		state.LastSyncAt = &now
		state.PageCursor = ""
	case fault.IsTransient(scanErr):
		// Cursor already saved by scan; the next sync resumes there.
		state.Status = domain.SyncPartial
	default:
		state.Status = domain.SyncFailed
		state.PageCursor = ""
	}
	if saveErr := s.states.Save(ctx, state); saveErr != nil {
		logger.WithError(saveErr).Error("final sync state save failed")
	}

	if scanErr != nil {
		return report, scanErr
	}
	logger.WithFields(map[string]any{
		"user_id":  userID.String(),
		"provider": string(provider),
		"fetched":  report.Fetched,
		"inserted": report.Inserted,
	}).Info("sync completed")
	return report, nil
}

// sinceFor computes the scan start: the window floor, moved forward to
// the last sync minus the overlap when one exists.
func (s *Service) sinceFor(user *domain.User, state *domain.SyncState, force bool) time.Time {
	months := user.WindowMonths
	if months <= 0 {
		months = s.cfg.WindowMonths
	}
	floor := s.now().AddDate(0, -months, 0)
	if force || state.LastSyncAt == nil {
		return floor
	}
	resume := state.LastSyncAt.Add(-s.cfg.OverlapWindow)
	if resume.After(floor) {
		return resume
	}
	return floor
}

func (s *Service) scan(ctx context.Context, user *domain.User, provider domain.Provider, since time.Time, cursor string, state *domain.SyncState) (*domain.SyncReport, error) {
	report := &domain.SyncReport{}

	adapter, err := s.providers.For(provider)
	if err != nil {
		return report, fault.Wrap(fault.KindInternal, "resolve provider", err)
	}

	for {
		if err := s.waitForCapacity(ctx); err != nil {
			return report, err
		}

		token, err := s.credentials.GetAccessToken(ctx, user.ID, provider)
		if err != nil {
			return report, err
		}

		var page *out.MessagePage
		err = s.retryTransient(ctx, func() error {
			var listErr error
			page, listErr = adapter.ListMessages(ctx, token, out.ListOptions{
				Since:      since,
				PageCursor: cursor,
				PageSize:   s.cfg.PageSize,
			})
			return listErr
		})
		if err != nil {
			s.saveCursor(ctx, state, cursor)
			return report, err
		}

		for _, meta := range page.Messages {
			meta.UserID = user.ID
			meta.Provider = provider
			created, err := s.messages.UpsertMeta(ctx, meta)
			if err != nil {
				return report, fault.Wrap(fault.KindInternal, "upsert message", err)
			}
			report.Fetched++
			if created {
				report.Inserted++
			}

			if err := s.ingestMessage(ctx, user.ID, adapter, token, meta, created, report); err != nil {
				// Per-message failures never abort the scan.
				logger.WithError(err).WithFields(map[string]any{
					"provider_message_id": meta.ProviderMessageID,
				}).Warn("message ingest failed, continuing")
			}

			if user.MaxEmailsPerSync > 0 && report.Inserted >= user.MaxEmailsPerSync {
				s.saveCursor(ctx, state, page.NextCursor)
				logger.WithFields(map[string]any{
					"user_id": user.ID.String(),
					"cap":     user.MaxEmailsPerSync,
				}).Info("per-sync email cap reached")
				return report, nil
			}
		}

		if page.NextCursor == "" {
			return report, nil
		}
		cursor = page.NextCursor
	}
}

// ingestMessage completes one listed message: body fetch, attachment
// refs, and synchronous qualification. A failed body fetch defers
// qualification to a later sync.
func (s *Service) ingestMessage(ctx context.Context, userID uuid.UUID, adapter out.EmailProviderPort, token string, meta *domain.Message, created bool, report *domain.SyncReport) error {
	stored, err := s.messages.GetByProviderID(ctx, userID, meta.Provider, meta.ProviderMessageID)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "reload message", err)
	}
	if !stored.Pending() {
		return nil
	}

	if stored.Body == "" {
		full, fetchErr := adapter.FetchMessage(ctx, token, meta.ProviderMessageID)
		if fetchErr != nil {
			return fetchErr
		}
		if err := s.messages.UpdateBody(ctx, stored.ID, full.Body, full.Snippet, full.Recipient); err != nil {
			return fault.Wrap(fault.KindInternal, "store body", err)
		}
		stored.Body = full.Body
		stored.Snippet = full.Snippet

		if created && len(full.Attachments) > 0 {
			refs := make([]domain.AttachmentRef, 0, len(full.Attachments))
			for _, a := range full.Attachments {
				a.UserID = userID
				a.MessageID = stored.ID
				a.DownloadState = domain.DownloadPending
				refs = append(refs, a)
			}
			saved, err := s.attachments.CreateRefs(ctx, refs)
			if err != nil {
				return fault.Wrap(fault.KindInternal, "store attachment refs", err)
			}
			stored.Attachments = saved
		}
	}

	decided, err := s.qualification.QualifyMessage(ctx, userID, stored.ID)
	if err != nil {
		return err
	}
	if decided.Qualified() {
		report.QualifiedSubmitted++
	}
	return nil
}

// waitForCapacity pauses the scan while the attachments lane sits above
// the high-water mark, resuming below the low-water mark.
func (s *Service) waitForCapacity(ctx context.Context) error {
	depth, err := s.producer.Depth(ctx, out.LaneAttachments)
	if err != nil || depth < s.cfg.HighWater {
		return nil
	}
	logger.WithField("depth", depth).Warn("attachments lane above high water, pausing sync")
	for {
		if err := s.sleep(ctx, 2*time.Second); err != nil {
			return fault.Wrap(fault.KindProviderTransient, "sync paused for backpressure", err)
		}
		depth, err = s.producer.Depth(ctx, out.LaneAttachments)
		if err != nil || depth <= s.cfg.LowWater {
			return nil
		}
	}
}

// retryTransient runs fn, retrying transient faults with jittered
// exponential backoff.
func (s *Service) retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil || !fault.IsTransient(err) {
			return err
		}
		if attempt == s.cfg.MaxRetries-1 {
			break
		}
		backoff := time.Duration(1<<attempt) * time.Second
		if fe := fault.As(err); fe.RetryAfter > backoff {
			backoff = fe.RetryAfter
		}
		backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
		if sleepErr := s.sleep(ctx, backoff); sleepErr != nil {
			return err
		}
	}
	return err
}

func (s *Service) loadState(ctx context.Context, userID uuid.UUID, provider domain.Provider) (*domain.SyncState, error) {
	state, err := s.states.Get(ctx, userID, provider)
	if err == nil {
		return state, nil
	}
	if err == out.ErrNotFound {
		return &domain.SyncState{UserID: userID, Provider: provider, Status: domain.SyncIdle}, nil
	}
	return nil, fault.Wrap(fault.KindInternal, "load sync state", err)
}

func (s *Service) saveCursor(ctx context.Context, state *domain.SyncState, cursor string) {
	state.PageCursor = cursor
	state.Status = domain.SyncPartial
	if err := s.states.Save(ctx, state); err != nil {
		logger.WithError(err).Error("cursor save failed")
	}
}

func (s *Service) tryLock(userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[userID] {
		return false
	}
	s.inFlight[userID] = true
	return true
}

func (s *Service) unlock(userID uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
