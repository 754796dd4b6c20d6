package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/ratelimit"
)

// Config selects which adapters the factory serves and sizes their
// shared request budgets.
type Config struct {
	IMAPAddr string // host:port for the generic IMAP adapter

	// Token bucket parameters; zero values take the defaults below.
	GmailRequestsPerSec float64
	OtherRequestsPerSec float64
	Burst               int
	WaitTimeout         time.Duration

	// Timeout bounds each upstream provider call. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
}

func (c Config) normalized() Config {
	def := ratelimit.DefaultConfig()
	if c.GmailRequestsPerSec <= 0 {
		c.GmailRequestsPerSec = 25
	}
	if c.OtherRequestsPerSec <= 0 {
		c.OtherRequestsPerSec = def.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = def.WaitTimeout
	}
	return c
}

// Factory hands out rate-limited provider adapters.
type Factory struct {
	gmail   out.EmailProviderPort
	outlook out.EmailProviderPort
	imap    out.EmailProviderPort
}

// NewFactory builds the adapter set. Each adapter is wrapped with a
// shared token bucket so every worker draws from one provider budget:
// Gmail gets its own refill rate, the rest share the default one.
func NewFactory(cfg Config, redisClient *redis.Client) *Factory {
	cfg = cfg.normalized()
	gmailLimiter := ratelimit.NewLimiter(redisClient, ratelimit.Config{
		RequestsPerSecond: cfg.GmailRequestsPerSec,
		Burst:             cfg.Burst,
		WaitTimeout:       cfg.WaitTimeout,
	})
	defaultLimiter := ratelimit.NewLimiter(redisClient, ratelimit.Config{
		RequestsPerSecond: cfg.OtherRequestsPerSec,
		Burst:             cfg.Burst,
		WaitTimeout:       cfg.WaitTimeout,
	})

	f := &Factory{
		gmail:   newRateLimited(NewGmailAdapter(), gmailLimiter, cfg.Timeout),
		outlook: newRateLimited(NewOutlookAdapter(), defaultLimiter, cfg.Timeout),
	}
	if cfg.IMAPAddr != "" {
		f.imap = newRateLimited(NewIMAPAdapter(cfg.IMAPAddr), defaultLimiter, cfg.Timeout)
	}
	return f
}

var _ out.ProviderFactory = (*Factory)(nil)

func (f *Factory) For(provider domain.Provider) (out.EmailProviderPort, error) {
	switch provider {
	case domain.ProviderGmail:
		return f.gmail, nil
	case domain.ProviderOutlook:
		return f.outlook, nil
	case domain.ProviderIMAP:
		if f.imap == nil {
			return nil, fmt.Errorf("imap adapter not configured")
		}
		return f.imap, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

// rateLimited enforces the per-account budget in front of an adapter.
// The bucket key hashes the access token, which stands in for the
// account without persisting it anywhere.
type rateLimited struct {
	inner   out.EmailProviderPort
	limiter *ratelimit.Limiter
	timeout time.Duration
}

func newRateLimited(inner out.EmailProviderPort, limiter *ratelimit.Limiter, timeout time.Duration) *rateLimited {
	return &rateLimited{inner: inner, limiter: limiter, timeout: timeout}
}

// bound applies the per-call timeout once the limiter has admitted the
// request, so time spent waiting for a token does not eat the budget.
func (r *rateLimited) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

var _ out.EmailProviderPort = (*rateLimited)(nil)

func (r *rateLimited) Provider() domain.Provider { return r.inner.Provider() }

func (r *rateLimited) key(accessToken string) string {
	h := fnv.New32a()
	h.Write([]byte(accessToken))
	return fmt.Sprintf("%s:%08x", r.inner.Provider(), h.Sum32())
}

func (r *rateLimited) ListMessages(ctx context.Context, accessToken string, opts out.ListOptions) (*out.MessagePage, error) {
	if err := r.limiter.Wait(ctx, r.key(accessToken)); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.inner.ListMessages(ctx, accessToken, opts)
}

func (r *rateLimited) FetchMessage(ctx context.Context, accessToken, providerMessageID string) (*domain.Message, error) {
	if err := r.limiter.Wait(ctx, r.key(accessToken)); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.inner.FetchMessage(ctx, accessToken, providerMessageID)
}

func (r *rateLimited) FetchAttachment(ctx context.Context, accessToken, providerMessageID, providerAttachmentID string) ([]byte, error) {
	if err := r.limiter.Wait(ctx, r.key(accessToken)); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.inner.FetchAttachment(ctx, accessToken, providerMessageID, providerAttachmentID)
}
