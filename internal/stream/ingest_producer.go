package stream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// Producer publishes jobs onto their lanes.
type Producer struct {
	stream *RedisStream
}

func NewProducer(stream *RedisStream) *Producer {
	return &Producer{stream: stream}
}

var _ out.JobProducer = (*Producer)(nil)

func (p *Producer) EnqueueAttachment(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) (string, error) {
	job := &Job{
		JobID:  uuid.New().String(),
		Kind:   JobAttachment,
		UserID: userID.String(),
		Payload: map[string]any{
			"message_id":    messageID,
			"attachment_id": attachmentID,
		},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := p.stream.Publish(ctx, out.LaneAttachments, job); err != nil {
		return "", err
	}
	return job.JobID, nil
}

func (p *Producer) EnqueueDocument(ctx context.Context, userID uuid.UUID, documentID int64) (string, error) {
	job := &Job{
		JobID:  uuid.New().String(),
		Kind:   JobDocument,
		UserID: userID.String(),
		Payload: map[string]any{
			"document_id": documentID,
		},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := p.stream.Publish(ctx, out.LaneDocuments, job); err != nil {
		return "", err
	}
	return job.JobID, nil
}

func (p *Producer) EnqueueSync(ctx context.Context, userID uuid.UUID, provider domain.Provider, force bool) (string, error) {
	job := &Job{
		JobID:  uuid.New().String(),
		Kind:   JobSync,
		UserID: userID.String(),
		Payload: map[string]any{
			"provider": string(provider),
			"force":    force,
		},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := p.stream.Publish(ctx, out.LaneDefault, job); err != nil {
		return "", err
	}
	return job.JobID, nil
}

func (p *Producer) Depth(ctx context.Context, lane string) (int64, error) {
	return p.stream.Depth(ctx, lane)
}

// LaneFor maps a job kind to its lane. Unknown kinds land on the
// default lane.
func LaneFor(kind string) string {
	switch kind {
	case JobAttachment:
		return out.LaneAttachments
	case JobDocument:
		return out.LaneDocuments
	default:
		return out.LaneDefault
	}
}
