// Package worker consumes queue jobs and drives the core services. It
// is the only inbound adapter that touches the extraction pipeline.
package worker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/in"
	"papergraph/internal/stream"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

// AttachmentPayload carries an attachment extraction job.
type AttachmentPayload struct {
	MessageID    int64 `json:"message_id"`
	AttachmentID int64 `json:"attachment_id"`
}

// DocumentPayload carries a stored-document extraction job.
type DocumentPayload struct {
	DocumentID int64 `json:"document_id"`
}

// SyncPayload carries a mailbox sync job.
type SyncPayload struct {
	Provider string `json:"provider"`
	Force    bool   `json:"force"`
}

// Handler routes decoded jobs to the owning service.
type Handler struct {
	extraction in.ExtractionService
	syncs      in.SyncService
}

func NewHandler(extraction in.ExtractionService, syncs in.SyncService) *Handler {
	return &Handler{extraction: extraction, syncs: syncs}
}

func (h *Handler) Process(ctx context.Context, job *stream.Job) error {
	userID, err := uuid.Parse(job.UserID)
	if err != nil {
		return fault.Newf(fault.KindInternal, "job %s has invalid user id %q", job.JobID, job.UserID)
	}

	switch job.Kind {
	case stream.JobAttachment:
		payload, err := ParsePayload[AttachmentPayload](job)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "decode attachment payload", err)
		}
		return h.extraction.ProcessAttachment(ctx, userID, payload.MessageID, payload.AttachmentID)

	case stream.JobDocument:
		payload, err := ParsePayload[DocumentPayload](job)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "decode document payload", err)
		}
		return h.extraction.ProcessDocument(ctx, userID, payload.DocumentID)

	case stream.JobSync:
		payload, err := ParsePayload[SyncPayload](job)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "decode sync payload", err)
		}
		_, err = h.syncs.SyncUser(ctx, userID, domain.Provider(payload.Provider), payload.Force)
		if fault.KindOf(err) == fault.KindSyncInProgress {
			// Another worker is already on it; the job is done.
			logger.WithField("user_id", job.UserID).Info("sync already running, job dropped")
			return nil
		}
		return err

	default:
		logger.WithField("kind", job.Kind).Warn("unknown job kind, dropping")
		return nil
	}
}

// ParsePayload decodes a job payload into its typed form.
func ParsePayload[T any](job *stream.Job) (*T, error) {
	data, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &payload, nil
}
