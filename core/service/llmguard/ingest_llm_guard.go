// Package llmguard wraps the model port with the cost controls every
// LLM call must pass: per-user and global rate limits, a per-user daily
// dollar cap, and a circuit breaker over consecutive upstream failures.
package llmguard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
	"papergraph/pkg/ratelimit"
)

// GuardedLLM is the model surface the services consume. Every call is
// attributed to a user for rate and cost accounting.
type GuardedLLM interface {
	QualifyMessage(ctx context.Context, userID uuid.UUID, sender, subject, bodyExcerpt string) (*out.QualificationVerdict, error)
	ClassifyDocument(ctx context.Context, userID uuid.UUID, text string) (*out.Classification, error)
	ExtractFields(ctx context.Context, userID uuid.UUID, docType domain.DocumentType, text string) (*out.FieldExtraction, error)
	VisionExtract(ctx context.Context, userID uuid.UUID, mimeType string, data []byte) (string, error)
}

type Config struct {
	PerUserRPM      int     // default 10
	GlobalRPM       int     // default 120
	DailyDollarCap  float64 // default 5.0
	BreakerFailures uint32  // consecutive failures to open, default 5
	BreakerInterval time.Duration
	BreakerOpenFor  time.Duration
}

func (c *Config) defaults() {
	if c.PerUserRPM <= 0 {
		c.PerUserRPM = 10
	}
	if c.GlobalRPM <= 0 {
		c.GlobalRPM = 120
	}
	if c.DailyDollarCap <= 0 {
		c.DailyDollarCap = 5.0
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = time.Minute
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 5 * time.Minute
	}
}

type Guard struct {
	inner   out.LLMPort
	rdb     *redis.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	user    *ratelimit.Limiter
	global  *ratelimit.Limiter
	now     func() time.Time
}

func New(inner out.LLMPort, rdb *redis.Client, cfg Config) *Guard {
	cfg.defaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "llm",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("llm breaker state change")
		},
	})
	return &Guard{
		inner:   inner,
		rdb:     rdb,
		cfg:     cfg,
		breaker: breaker,
		user: ratelimit.NewLimiter(rdb, ratelimit.Config{
			RequestsPerSecond: float64(cfg.PerUserRPM) / 60,
			Burst:             cfg.PerUserRPM,
			WaitTimeout:       time.Second,
		}),
		global: ratelimit.NewLimiter(rdb, ratelimit.Config{
			RequestsPerSecond: float64(cfg.GlobalRPM) / 60,
			Burst:             cfg.GlobalRPM,
			WaitTimeout:       time.Second,
		}),
		now: time.Now,
	}
}

var _ GuardedLLM = (*Guard)(nil)

func (g *Guard) QualifyMessage(ctx context.Context, userID uuid.UUID, sender, subject, bodyExcerpt string) (*out.QualificationVerdict, error) {
	var verdict *out.QualificationVerdict
	err := g.do(ctx, userID, "qualify", len(subject)+len(bodyExcerpt), func() error {
		var callErr error
		verdict, callErr = g.inner.QualifyMessage(ctx, sender, subject, bodyExcerpt)
		return callErr
	})
	return verdict, err
}

func (g *Guard) ClassifyDocument(ctx context.Context, userID uuid.UUID, text string) (*out.Classification, error) {
	var cls *out.Classification
	err := g.do(ctx, userID, "classify", len(text), func() error {
		var callErr error
		cls, callErr = g.inner.ClassifyDocument(ctx, text)
		return callErr
	})
	return cls, err
}

func (g *Guard) ExtractFields(ctx context.Context, userID uuid.UUID, docType domain.DocumentType, text string) (*out.FieldExtraction, error) {
	var ext *out.FieldExtraction
	err := g.do(ctx, userID, "extract", len(text), func() error {
		var callErr error
		ext, callErr = g.inner.ExtractFields(ctx, docType, text)
		return callErr
	})
	return ext, err
}

func (g *Guard) VisionExtract(ctx context.Context, userID uuid.UUID, mimeType string, data []byte) (string, error) {
	var text string
	err := g.do(ctx, userID, "vision", len(data), func() error {
		var callErr error
		text, callErr = g.inner.VisionExtract(ctx, mimeType, data)
		return callErr
	})
	return text, err
}

// do runs one guarded model call: rate limits, then the dollar cap,
// then the breaker around the upstream call itself.
func (g *Guard) do(ctx context.Context, userID uuid.UUID, op string, inputBytes int, call func() error) error {
	if err := g.user.Wait(ctx, "llm:user:"+userID.String()); err != nil {
		return err
	}
	if err := g.global.Wait(ctx, "llm:global"); err != nil {
		return err
	}
	if err := g.chargeDailyCap(ctx, userID, g.inner.EstimateCost(op, inputBytes)); err != nil {
		return err
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, call()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fault.Wrap(fault.KindLLMTransient, "llm breaker open", err)
	}
	return err
}

// chargeDailyCap adds the estimate to the user's daily spend counter
// and rejects once the cap is crossed. The counter expires with the
// UTC day. Without Redis the cap is not enforced.
func (g *Guard) chargeDailyCap(ctx context.Context, userID uuid.UUID, estimate float64) error {
	if g.rdb == nil || g.cfg.DailyDollarCap <= 0 {
		return nil
	}
	day := g.now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("llm:spend:%s:%s", userID, day)

	spent, err := g.rdb.IncrByFloat(ctx, key, estimate).Result()
	if err != nil {
		logger.WithError(err).Warn("daily cap counter unavailable")
		return nil
	}
	g.rdb.Expire(ctx, key, 48*time.Hour)

	if spent > g.cfg.DailyDollarCap {
		// Refund the charge that pushed us over so a smaller call can
		// still fit.
		g.rdb.IncrByFloat(ctx, key, -estimate)
		return fault.Newf(fault.KindCostCapExceeded,
			"daily llm spend cap reached for user %s (%.2f of %.2f)", userID, spent-estimate, g.cfg.DailyDollarCap)
	}
	return nil
}
