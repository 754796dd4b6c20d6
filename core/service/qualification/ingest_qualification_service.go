package qualification

import (
	"context"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/in"
	"papergraph/core/port/out"
	"papergraph/core/service/llmguard"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

// adjudicatorExcerptBytes is how much body the LLM adjudicator sees.
const adjudicatorExcerptBytes = 4096

const gateConfidence = 0.9

type Service struct {
	messages    out.MessageRepository
	attachments out.AttachmentRepository
	producer    out.JobProducer
	llm         llmguard.GuardedLLM
	qlog        out.QualificationLogRepository
}

func NewService(
	messages out.MessageRepository,
	attachments out.AttachmentRepository,
	producer out.JobProducer,
	llm llmguard.GuardedLLM,
	qlog out.QualificationLogRepository,
) *Service {
	return &Service{
		messages:    messages,
		attachments: attachments,
		producer:    producer,
		llm:         llm,
		qlog:        qlog,
	}
}

var _ in.QualificationService = (*Service)(nil)

// QualifyMessage decides one message. The decision is written at most
// once; if another worker decided it first, the stored outcome wins and
// no duplicate work is submitted by this call.
func (s *Service) QualifyMessage(ctx context.Context, userID uuid.UUID, messageID int64) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, userID, messageID)
	if err != nil {
		if err == out.ErrNotFound {
			return nil, fault.Newf(fault.KindInternal, "message %d not found", messageID)
		}
		return nil, fault.Wrap(fault.KindInternal, "load message", err)
	}
	if !msg.Pending() {
		return msg, nil
	}

	qualified, stage, confidence, reason, err := s.decide(ctx, msg)
	if err != nil {
		return nil, err
	}

	wrote, err := s.messages.WriteQualification(ctx, msg.ID, qualified, stage, confidence, reason)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "write qualification", err)
	}
	if !wrote {
		// Lost the race; the stored decision stands.
		return s.messages.GetByID(ctx, userID, messageID)
	}

	if s.qlog != nil {
		if logErr := s.qlog.Append(ctx, userID, msg.ID, qualified, stage, confidence, reason); logErr != nil {
			logger.WithError(logErr).Warn("qualification log append failed")
		}
	}

	if qualified {
		if err := s.submitAttachments(ctx, msg); err != nil {
			return nil, err
		}
	}

	msg.IsQualified = &qualified
	msg.QualificationStage = stage
	msg.QualificationConfidence = confidence
	msg.QualificationReason = reason
	return msg, nil
}

func (s *Service) RecentDecisions(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := s.messages.ListRecentQualified(ctx, userID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "list recent qualifications", err)
	}
	return msgs, nil
}

func (s *Service) decide(ctx context.Context, msg *domain.Message) (bool, domain.QualificationStage, float64, string, error) {
	res, region := Decide(msg.Subject, msg.Body)
	switch res.Decision {
	case GateQualified:
		return true, stageFor(region), gateConfidence, "keyword:" + res.Token, nil
	case GateRejected:
		return false, stageFor(region), gateConfidence, "spam:" + res.Token, nil
	}

	excerpt := msg.Body
	if len(excerpt) > adjudicatorExcerptBytes {
		excerpt = excerpt[:adjudicatorExcerptBytes]
	}
	verdict, err := s.llm.QualifyMessage(ctx, msg.UserID, msg.Sender, msg.Subject, excerpt)
	if err != nil {
		return false, "", 0, "", err
	}
	return verdict.Qualified, domain.StageLLM, verdict.Confidence, verdict.Reason, nil
}

// submitAttachments enqueues one job per supported attachment of a
// qualified message.
func (s *Service) submitAttachments(ctx context.Context, msg *domain.Message) error {
	refs := msg.Attachments
	if len(refs) == 0 {
		stored, err := s.attachments.ListByMessage(ctx, msg.ID)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "list attachments", err)
		}
		refs = stored
	}
	for _, ref := range refs {
		if !ref.Supported() {
			continue
		}
		jobID, err := s.producer.EnqueueAttachment(ctx, msg.UserID, msg.ID, ref.ID)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "enqueue attachment job", err)
		}
		logger.WithFields(map[string]any{
			"job_id":        jobID,
			"message_id":    msg.ID,
			"attachment_id": ref.ID,
			"filename":      ref.Filename,
		}).Debug("attachment job submitted")
	}
	return nil
}

func stageFor(region string) domain.QualificationStage {
	if region == "subject" {
		return domain.StageSubject
	}
	return domain.StageBody
}
