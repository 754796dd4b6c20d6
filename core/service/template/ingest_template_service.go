package template

import (
	"context"
	"time"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

// invalidateAfterFailures is the consecutive verification failures that
// drop a template from the cache.
const invalidateAfterFailures = 3

type Service struct {
	repo out.TemplateRepository
	ttl  time.Duration
}

func NewService(repo out.TemplateRepository, ttlDays int) *Service {
	if ttlDays <= 0 {
		ttlDays = 90
	}
	return &Service{repo: repo, ttl: time.Duration(ttlDays) * 24 * time.Hour}
}

// TryExtract looks up a template for the key and applies it. A verified
// hit refreshes the template and returns its fields; a failed
// application bumps the failure streak and invalidates after three.
func (s *Service) TryExtract(ctx context.Context, key domain.TemplateKey, text string) (map[string]string, bool, error) {
	tpl, err := s.repo.Lookup(ctx, key)
	if err != nil {
		if err == out.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fault.Wrap(fault.KindInternal, "template lookup", err)
	}

	fields, ratio := Apply(tpl, text)
	if Verify(fields, ratio) {
		if err := s.repo.Touch(ctx, tpl.ID); err != nil {
			logger.WithError(err).Warn("template touch failed")
		}
		return fields, true, nil
	}

	streak, err := s.repo.RecordFailure(ctx, tpl.ID)
	if err != nil {
		logger.WithError(err).Warn("template failure record failed")
		return nil, false, nil
	}
	if streak >= invalidateAfterFailures {
		if err := s.repo.Invalidate(ctx, key); err != nil {
			logger.WithError(err).Warn("template invalidation failed")
		} else {
			logger.WithFields(map[string]any{
				"sender_domain": key.SenderDomain,
				"document_type": string(key.DocumentType),
				"streak":        streak,
			}).Info("template invalidated after repeated failures")
		}
	}
	return nil, false, nil
}

// Learn stores a fresh template synthesized from a successful LLM
// extraction. Templates that would carry no usable rules, or cannot
// reproduce their own source fields, are not stored.
func (s *Service) Learn(ctx context.Context, key domain.TemplateKey, fields map[string]string, text string) error {
	rules := Synthesize(fields, text)
	if len(rules) == 0 {
		return nil
	}
	candidate := &domain.Template{
		UserID:            key.UserID,
		SenderDomain:      key.SenderDomain,
		DocumentType:      key.DocumentType,
		LayoutFingerprint: key.LayoutFingerprint,
		Rules:             rules,
	}

	// Self-check: the recipe must round-trip on the document it was
	// learned from.
	replayed, ratio := Apply(candidate, text)
	if !Verify(replayed, ratio) {
		return nil
	}

	if err := s.repo.Store(ctx, candidate); err != nil {
		return fault.Wrap(fault.KindInternal, "store template", err)
	}
	logger.WithFields(map[string]any{
		"sender_domain": key.SenderDomain,
		"document_type": string(key.DocumentType),
		"rules":         len(rules),
	}).Debug("template learned")
	return nil
}

// PurgeIdle drops templates unused for the TTL. Run periodically from
// the maintenance lane.
func (s *Service) PurgeIdle(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeIdle(ctx, s.ttl)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, "purge idle templates", err)
	}
	return n, nil
}
