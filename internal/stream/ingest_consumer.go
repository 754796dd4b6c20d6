package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

// JobHandler executes one decoded job.
type JobHandler interface {
	Handle(ctx context.Context, job *Job) error
}

// Consumer reads the lanes, dispatches jobs, reschedules transient
// failures through the delayed set, and dead-letters the rest. Lane
// order in the config is priority order: each read cycle settles the
// highest lane's batch before touching the next.
type Consumer struct {
	stream   *RedisStream
	consumer string
	lanes    []string
	handler  JobHandler
	records  out.JobRecordRepository
	log      zerolog.Logger
	retry    RetryPolicy

	moveInterval    time.Duration // delayed set poll interval
	pendingIdleTime time.Duration // claim entries stuck this long
}

type ConsumerConfig struct {
	Consumer string
	Lanes    []string // highest priority first
	Handler  JobHandler
	Records  out.JobRecordRepository
	Logger   zerolog.Logger
	Retry    RetryPolicy

	MoveInterval    time.Duration
	PendingIdleTime time.Duration
}

func NewConsumer(stream *RedisStream, cfg *ConsumerConfig) *Consumer {
	moveInterval := cfg.MoveInterval
	if moveInterval == 0 {
		moveInterval = 5 * time.Second
	}
	pendingIdleTime := cfg.PendingIdleTime
	if pendingIdleTime == 0 {
		pendingIdleTime = 10 * time.Minute
	}
	return &Consumer{
		stream:          stream,
		consumer:        cfg.Consumer,
		lanes:           cfg.Lanes,
		handler:         cfg.Handler,
		records:         cfg.Records,
		log:             cfg.Logger,
		retry:           cfg.Retry.normalized(),
		moveInterval:    moveInterval,
		pendingIdleTime: pendingIdleTime,
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.stream.group).
		Str("consumer", c.consumer).
		Strs("lanes", c.lanes).
		Msg("starting consumer")

	for _, lane := range c.lanes {
		if err := c.stream.CreateGroup(ctx, lane); err != nil {
			return fmt.Errorf("create group for %s: %w", lane, err)
		}
	}

	go c.runMover(ctx)
	go c.consume(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// consume reads every lane in one blocking call, then settles the
// returned batches strictly by lane priority: attachment jobs reach
// the pool before anything a lower lane delivered in the same cycle.
func (c *Consumer) consume(ctx context.Context) {
	streamArgs := make([]string, 0, len(c.lanes)*2)
	streamArgs = append(streamArgs, c.lanes...)
	for range c.lanes {
		streamArgs = append(streamArgs, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.stream.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.stream.group,
			Consumer: c.consumer,
			Streams:  streamArgs,
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Msg("error reading lanes")
			time.Sleep(time.Second)
			continue
		}

		for _, batch := range orderByPriority(c.lanes, streams) {
			c.settleBatch(ctx, batch.lane, batch.msgs)
		}
	}
}

type laneBatch struct {
	lane string
	msgs []redis.XMessage
}

// orderByPriority arranges the read result by configured lane order so
// higher lanes are settled first regardless of reply order.
func orderByPriority(lanes []string, streams []redis.XStream) []laneBatch {
	byLane := make(map[string][]redis.XMessage, len(streams))
	for _, str := range streams {
		byLane[str.Stream] = str.Messages
	}

	ordered := make([]laneBatch, 0, len(streams))
	for _, lane := range lanes {
		if msgs := byLane[lane]; len(msgs) > 0 {
			ordered = append(ordered, laneBatch{lane: lane, msgs: msgs})
		}
	}
	return ordered
}

// settleBatch handles one lane's entries. Handlers block until a pool
// worker picks the job up, so the batch is settled concurrently; each
// entry is acknowledged independently once handled.
func (c *Consumer) settleBatch(ctx context.Context, lane string, msgs []redis.XMessage) {
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg redis.XMessage) {
			defer wg.Done()
			c.processEntry(ctx, lane, msg)
		}(msg)
	}
	wg.Wait()
}

// processEntry decodes and settles one stream entry. Entries are
// always acknowledged; the retry path re-publishes rather than
// relying on redelivery.
func (c *Consumer) processEntry(ctx context.Context, lane string, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		c.log.Error().Str("lane", lane).Str("id", msg.ID).Msg("malformed entry, dropping")
		c.ack(ctx, lane, msg.ID)
		return
	}

	job, err := DecodeJob([]byte(data))
	if err != nil {
		c.log.Error().Err(err).Str("lane", lane).Str("id", msg.ID).Msg("undecodable job, dropping")
		c.ack(ctx, lane, msg.ID)
		return
	}

	if err := c.handler.Handle(ctx, job); err != nil {
		c.settleFailure(ctx, lane, job, err)
	}
	c.ack(ctx, lane, msg.ID)
}

// settleFailure reschedules transient failures with backoff until the
// attempt budget runs out, then dead-letters.
func (c *Consumer) settleFailure(ctx context.Context, lane string, job *Job, jobErr error) {
	if fault.IsTransient(jobErr) && job.Attempt+1 < c.retry.MaxAttempts {
		retry := *job
		retry.Attempt++
		due := time.Now().Add(c.retry.Delay(jobErr, job.Attempt))
		if err := c.stream.Delay(ctx, lane, &retry, due); err != nil {
			c.log.Error().Err(err).Str("job_id", job.JobID).Msg("error scheduling retry")
			return
		}
		c.log.Warn().
			Err(jobErr).
			Str("job_id", job.JobID).
			Str("kind", job.Kind).
			Int("attempt", retry.Attempt).
			Time("due", due).
			Msg("job rescheduled")
		return
	}

	c.deadLetter(ctx, job, jobErr)
}

func (c *Consumer) deadLetter(ctx context.Context, job *Job, jobErr error) {
	userID, _ := uuid.Parse(job.UserID)
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		payload = nil
	}
	if err := c.records.RecordTerminalFailure(ctx, job.JobID, job.Kind, userID, payload, job.Attempt, fault.TraceOf(jobErr)); err != nil {
		c.log.Error().Err(err).Str("job_id", job.JobID).Msg("error recording terminal failure")
	}
	c.log.Warn().
		Err(jobErr).
		Str("job_id", job.JobID).
		Str("kind", job.Kind).
		Int("attempt", job.Attempt).
		Msg("job dead-lettered")
}

func (c *Consumer) ack(ctx context.Context, lane, id string) {
	if err := c.stream.Ack(ctx, lane, id); err != nil {
		c.log.Error().Err(err).Str("lane", lane).Str("id", id).Msg("error acknowledging entry")
	}
}

// runMover periodically promotes due retries and reclaims entries left
// pending by dead workers.
func (c *Consumer) runMover(ctx context.Context) {
	ticker := time.NewTicker(c.moveInterval)
	defer ticker.Stop()

	c.log.Info().
		Dur("move_interval", c.moveInterval).
		Dur("pending_idle", c.pendingIdleTime).
		Msg("starting retry mover")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range c.lanes {
				if moved, err := c.stream.MoveDue(ctx, lane, time.Now(), 100); err != nil {
					c.log.Error().Err(err).Str("lane", lane).Msg("error moving due retries")
				} else if moved > 0 {
					c.log.Info().Str("lane", lane).Int("moved", moved).Msg("retries promoted")
				}
				c.claimStuck(ctx, lane)
			}
		}
	}
}

// claimStuck takes over entries another consumer read but never
// acknowledged, then runs them through the normal settle path.
func (c *Consumer) claimStuck(ctx context.Context, lane string) {
	claimed, _, err := c.stream.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   lane,
		Group:    c.stream.group,
		Consumer: c.consumer,
		MinIdle:  c.pendingIdleTime,
		Start:    "0-0",
		Count:    50,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Error().Err(err).Str("lane", lane).Msg("error claiming stuck entries")
		}
		return
	}

	for _, msg := range claimed {
		c.log.Info().Str("lane", lane).Str("id", msg.ID).Msg("reprocessing stuck entry")
		c.processEntry(ctx, lane, msg)
	}
}
