package stream

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

func TestRetryBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			got := RetryBackoff(attempt)
			base := baseBackoff << uint(attempt)
			if base <= 0 || base > maxBackoff {
				base = maxBackoff
			}
			if got < base {
				t.Fatalf("attempt %d: backoff %v below base %v", attempt, got, base)
			}
			if got > base+base/4 {
				t.Fatalf("attempt %d: backoff %v exceeds jitter ceiling %v", attempt, got, base+base/4)
			}
		}
	}
}

func TestRetryBackoffCapped(t *testing.T) {
	if got := RetryBackoff(20); got > maxBackoff+maxBackoff/4 {
		t.Fatalf("backoff %v not capped", got)
	}
	if got := RetryBackoff(-3); got < baseBackoff {
		t.Fatalf("negative attempt produced %v, want at least %v", got, baseBackoff)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := fault.RateLimited("gmail quota", 2*time.Hour)
	if got := RetryDelay(err, 0); got != 2*time.Hour {
		t.Fatalf("RetryDelay = %v, want advisory 2h", got)
	}

	short := fault.RateLimited("gmail quota", time.Second)
	if got := RetryDelay(short, 0); got < baseBackoff {
		t.Fatalf("RetryDelay = %v, want computed backoff over short advisory", got)
	}
}

func TestDecodeJobRoundTrip(t *testing.T) {
	userID := uuid.New()
	job := &Job{
		JobID:  uuid.New().String(),
		Kind:   JobAttachment,
		UserID: userID.String(),
		Payload: map[string]any{
			"message_id":    float64(42),
			"attachment_id": float64(7),
		},
		Attempt:   2,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := DecodeJob(data)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if got.JobID != job.JobID || got.Kind != job.Kind || got.UserID != userID.String() {
		t.Fatalf("envelope mismatch: %+v", got)
	}
	if got.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", got.Attempt)
	}
	if got.Payload["attachment_id"] != float64(7) {
		t.Fatalf("payload attachment_id = %v", got.Payload["attachment_id"])
	}
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	if _, err := DecodeJob([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLaneFor(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{JobAttachment, out.LaneAttachments},
		{JobDocument, out.LaneDocuments},
		{JobSync, out.LaneDefault},
		{"unknown.kind", out.LaneDefault},
	}
	for _, tt := range tests {
		if got := LaneFor(tt.kind); got != tt.want {
			t.Errorf("LaneFor(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestRetryPolicyNormalized(t *testing.T) {
	def := RetryPolicy{}.normalized()
	if def.MaxAttempts != MaxAttempts || def.Base != baseBackoff || def.Cap != maxBackoff {
		t.Fatalf("zero policy did not take defaults: %+v", def)
	}

	tuned := RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: time.Minute}.normalized()
	if tuned.MaxAttempts != 3 || tuned.Base != time.Second || tuned.Cap != time.Minute {
		t.Fatalf("explicit policy altered: %+v", tuned)
	}
	if got := tuned.Backoff(0); got < time.Second || got > time.Second+time.Second/4 {
		t.Fatalf("tuned backoff = %v, want ~1s", got)
	}
	if got := tuned.Backoff(20); got < time.Minute || got > time.Minute+time.Minute/4 {
		t.Fatalf("tuned backoff not capped: %v", got)
	}
}

func TestOrderByPriority(t *testing.T) {
	lanes := []string{out.LaneAttachments, out.LaneDocuments, out.LaneDefault}
	streams := []redis.XStream{
		{Stream: out.LaneDefault, Messages: []redis.XMessage{{ID: "3-0"}}},
		{Stream: out.LaneAttachments, Messages: []redis.XMessage{{ID: "1-0"}, {ID: "1-1"}}},
	}

	got := orderByPriority(lanes, streams)
	if len(got) != 2 {
		t.Fatalf("batches = %d, want 2", len(got))
	}
	if got[0].lane != out.LaneAttachments || len(got[0].msgs) != 2 {
		t.Fatalf("first batch = %s/%d, want attachments/2", got[0].lane, len(got[0].msgs))
	}
	if got[1].lane != out.LaneDefault {
		t.Fatalf("second batch = %s, want default lane", got[1].lane)
	}
}

func TestOrderByPriorityDropsEmptyBatches(t *testing.T) {
	lanes := []string{out.LaneAttachments, out.LaneDocuments}
	streams := []redis.XStream{
		{Stream: out.LaneAttachments},
		{Stream: out.LaneDocuments, Messages: []redis.XMessage{{ID: "2-0"}}},
	}
	got := orderByPriority(lanes, streams)
	if len(got) != 1 || got[0].lane != out.LaneDocuments {
		t.Fatalf("got %+v, want single documents batch", got)
	}
}
