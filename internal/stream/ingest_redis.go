// Package stream implements the durable job queue on Redis Streams.
// Each lane is one stream with a consumer group; delayed retries park
// in a per-lane sorted set until due.
package stream

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"
)

// Job is the wire envelope every lane carries.
type Job struct {
	JobID     string         `json:"job_id"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload"`
	Attempt   int            `json:"attempt"`
	NotBefore time.Time      `json:"not_before,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Job kinds.
const (
	JobAttachment = "attachment.extract"
	JobDocument   = "document.extract"
	JobSync       = "mailbox.sync"
)

type RedisStream struct {
	client *redis.Client
	group  string
}

func NewRedisStream(client *redis.Client, group string) *RedisStream {
	return &RedisStream{client: client, group: group}
}

func (s *RedisStream) Client() *redis.Client { return s.client }

func (s *RedisStream) CreateGroup(ctx context.Context, lane string) error {
	err := s.client.XGroupCreateMkStream(ctx, lane, s.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Publish appends a job to the lane.
func (s *RedisStream) Publish(ctx context.Context, lane string, job *Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: lane,
		Values: map[string]any{"data": data},
	}).Result()
}

// Delay parks a job in the lane's delayed set until it comes due.
func (s *RedisStream) Delay(ctx context.Context, lane string, job *Job, due time.Time) error {
	job.NotBefore = due
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, delayedKey(lane), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(data),
	}).Err()
}

// MoveDue promotes jobs whose delay has elapsed back onto the lane.
// Returns the number of jobs moved.
func (s *RedisStream) MoveDue(ctx context.Context, lane string, now time.Time, limit int) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, delayedKey(lane), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, member := range members {
		// Remove first so a concurrent mover cannot double-publish.
		removed, err := s.client.ZRem(ctx, delayedKey(lane), member).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: lane,
			Values: map[string]any{"data": member},
		}).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Ack acknowledges and removes a delivered entry. Entries are deleted
// on ack so the stream length tracks the live backlog.
func (s *RedisStream) Ack(ctx context.Context, lane, id string) error {
	if err := s.client.XAck(ctx, lane, s.group, id).Err(); err != nil {
		return err
	}
	return s.client.XDel(ctx, lane, id).Err()
}

// Depth reports the lane backlog: stream entries plus parked retries.
func (s *RedisStream) Depth(ctx context.Context, lane string) (int64, error) {
	streamLen, err := s.client.XLen(ctx, lane).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	delayed, err := s.client.ZCard(ctx, delayedKey(lane)).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return streamLen + delayed, nil
}

func delayedKey(lane string) string { return lane + ":delayed" }

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// DecodeJob parses an envelope from a stream entry's data field.
func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
