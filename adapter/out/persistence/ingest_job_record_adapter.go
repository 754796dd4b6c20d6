package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

// JobRecordAdapter implements out.JobRecordRepository using PostgreSQL.
// This is the dead letter table: jobs land here after their last retry.
type JobRecordAdapter struct {
	db *sqlx.DB
}

// NewJobRecordAdapter creates a new JobRecordAdapter.
func NewJobRecordAdapter(db *sqlx.DB) *JobRecordAdapter {
	return &JobRecordAdapter{db: db}
}

var _ out.JobRecordRepository = (*JobRecordAdapter)(nil)

// RecordTerminalFailure stores the job's final outcome, once per job ID.
func (a *JobRecordAdapter) RecordTerminalFailure(ctx context.Context, jobID string, kind string, userID uuid.UUID, payload []byte, attempt int, trace fault.Trace) error {
	query := `
		INSERT INTO job_failures (job_id, kind, user_id, payload, attempt,
			fault_kind, fault_message, upstream_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING`

	_, err := a.db.ExecContext(ctx, query,
		jobID, kind, userID, payload, attempt,
		trace.Kind, trace.Message, nullString(trace.UpstreamDetails))
	return err
}
