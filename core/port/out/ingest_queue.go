package out

import (
	"context"

	"github.com/google/uuid"

	"papergraph/core/domain"
)

// Lane names for the durable job queue.
const (
	LaneAttachments = "ingest:attachments"
	LaneDocuments   = "ingest:documents"
	LaneDefault     = "ingest:default"
)

// JobProducer enqueues durable jobs. Enqueue is the only side effect a
// service performs for deferred work; all retry and redelivery policy
// lives in the queue.
type JobProducer interface {
	// EnqueueAttachment schedules download and extraction for one
	// supported attachment of a qualified message.
	EnqueueAttachment(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) (jobID string, err error)

	// EnqueueDocument schedules extraction for an already-stored
	// document (direct uploads, reprocessing).
	EnqueueDocument(ctx context.Context, userID uuid.UUID, documentID int64) (jobID string, err error)

	// EnqueueSync schedules a provider sync on the default lane.
	EnqueueSync(ctx context.Context, userID uuid.UUID, provider domain.Provider, force bool) (jobID string, err error)

	// Depth reports the pending entries on a lane, counting both the
	// stream and its delayed set. Drives sync backpressure.
	Depth(ctx context.Context, lane string) (int64, error)
}
