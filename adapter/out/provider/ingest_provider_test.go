package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
	"papergraph/pkg/ratelimit"
)

func TestTranslateHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   fault.Kind
	}{
		{"401 revokes", http.StatusUnauthorized, fault.KindCredentialRevoked},
		{"429 rate limits", http.StatusTooManyRequests, fault.KindRateLimited},
		{"503 transient", http.StatusServiceUnavailable, fault.KindProviderTransient},
		{"404 permanent", http.StatusNotFound, fault.KindProviderPermanent},
		{"400 permanent", http.StatusBadRequest, fault.KindProviderPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateHTTP(tt.status, "", "boom")
			if got := fault.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTranslateHTTPRetryAfter(t *testing.T) {
	err := translateHTTP(http.StatusTooManyRequests, "120", "quota")
	fe := fault.As(err)
	if fe.RetryAfter != 120*time.Second {
		t.Fatalf("RetryAfter = %v, want 120s", fe.RetryAfter)
	}

	err = translateHTTP(http.StatusTooManyRequests, "", "quota")
	if fault.As(err).RetryAfter != defaultRetryAfter {
		t.Fatalf("missing header should use default retry-after")
	}
}

func TestTranslateErrGoogleAPI(t *testing.T) {
	gerr := &googleapi.Error{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"}
	if got := fault.KindOf(translateErr("gmail list", gerr)); got != fault.KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited", got)
	}

	gerr = &googleapi.Error{Code: http.StatusUnauthorized, Message: "invalid credentials"}
	if got := fault.KindOf(translateErr("gmail list", gerr)); got != fault.KindCredentialRevoked {
		t.Fatalf("kind = %s, want credential_revoked", got)
	}
}

func TestTranslateErrPassesThroughFaults(t *testing.T) {
	orig := fault.New(fault.KindCostCapExceeded, "daily cap")
	if got := translateErr("op", orig); !errors.Is(got, orig) {
		t.Fatal("classified errors must pass through unchanged")
	}
}

func TestTranslateErrInvalidGrantString(t *testing.T) {
	err := errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`)
	if got := fault.KindOf(translateErr("refresh", err)); got != fault.KindCredentialRevoked {
		t.Fatalf("kind = %s, want credential_revoked", got)
	}
}

func TestStripHTML(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head>
<body><p>Invoice #123</p><div>Total: <b>$49.99</b></div>
<script>alert("x")</script></body></html>`

	got := stripHTML(html)
	if !contains(got, "Invoice #123") || !contains(got, "Total: $49.99") {
		t.Fatalf("stripped text missing content: %q", got)
	}
	if contains(got, "alert") || contains(got, "color:red") {
		t.Fatalf("script/style leaked: %q", got)
	}
}

func TestStripHTMLEntities(t *testing.T) {
	if got := stripHTML("<p>Caf&eacute; &amp; Co &ndash; 50&euro;</p>"); !contains(got, "Café & Co") {
		t.Fatalf("entities not decoded: %q", got)
	}
}

func TestPreferText(t *testing.T) {
	if got := preferText("plain body", "<p>html body</p>"); got != "plain body" {
		t.Fatalf("got %q, want plain body", got)
	}
	if got := preferText("  ", "<p>html body</p>"); got != "html body" {
		t.Fatalf("got %q, want stripped html", got)
	}
}

func TestFactoryRoutes(t *testing.T) {
	f := NewFactory(Config{IMAPAddr: "imap.example.com:993"}, nil)

	for _, p := range []domain.Provider{domain.ProviderGmail, domain.ProviderOutlook, domain.ProviderIMAP} {
		adapter, err := f.For(p)
		if err != nil {
			t.Fatalf("For(%s): %v", p, err)
		}
		if adapter.Provider() != p {
			t.Errorf("For(%s) returned %s adapter", p, adapter.Provider())
		}
	}

	if _, err := f.For(domain.Provider("carrier-pigeon")); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestFactoryIMAPUnconfigured(t *testing.T) {
	f := NewFactory(Config{}, nil)
	if _, err := f.For(domain.ProviderIMAP); err == nil {
		t.Fatal("expected error when imap address not set")
	}
}

type countingAdapter struct {
	calls int
}

func (c *countingAdapter) Provider() domain.Provider { return domain.ProviderGmail }

func (c *countingAdapter) ListMessages(ctx context.Context, accessToken string, opts out.ListOptions) (*out.MessagePage, error) {
	c.calls++
	return &out.MessagePage{}, nil
}

func (c *countingAdapter) FetchMessage(ctx context.Context, accessToken, id string) (*domain.Message, error) {
	c.calls++
	return &domain.Message{}, nil
}

func (c *countingAdapter) FetchAttachment(ctx context.Context, accessToken, msgID, attID string) ([]byte, error) {
	c.calls++
	return nil, nil
}

func TestRateLimitedExhaustion(t *testing.T) {
	inner := &countingAdapter{}
	limiter := ratelimit.NewLimiter(nil, ratelimit.Config{
		RequestsPerSecond: 0.001,
		Burst:             2,
		WaitTimeout:       time.Millisecond,
	})
	wrapped := newRateLimited(inner, limiter, 0)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := wrapped.ListMessages(ctx, "tok", out.ListOptions{}); err != nil {
			t.Fatalf("call %d should pass: %v", i, err)
		}
	}
	_, err := wrapped.ListMessages(ctx, "tok", out.ListOptions{})
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited", fault.KindOf(err))
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}
}

func TestFactoryConfigDefaults(t *testing.T) {
	got := Config{}.normalized()
	if got.GmailRequestsPerSec != 25 || got.OtherRequestsPerSec != 10 {
		t.Errorf("rates = %v/%v, want 25/10", got.GmailRequestsPerSec, got.OtherRequestsPerSec)
	}
	if got.Burst != 20 {
		t.Errorf("burst = %d, want 20", got.Burst)
	}
	if got.WaitTimeout != 10*time.Second {
		t.Errorf("wait timeout = %v, want 10s", got.WaitTimeout)
	}

	tuned := Config{
		GmailRequestsPerSec: 5,
		OtherRequestsPerSec: 3,
		Burst:               7,
		WaitTimeout:         time.Second,
	}.normalized()
	if tuned.GmailRequestsPerSec != 5 || tuned.OtherRequestsPerSec != 3 || tuned.Burst != 7 || tuned.WaitTimeout != time.Second {
		t.Errorf("explicit config altered: %+v", tuned)
	}
}

type deadlineAdapter struct {
	countingAdapter
	hadDeadline bool
}

func (d *deadlineAdapter) ListMessages(ctx context.Context, accessToken string, opts out.ListOptions) (*out.MessagePage, error) {
	_, d.hadDeadline = ctx.Deadline()
	return d.countingAdapter.ListMessages(ctx, accessToken, opts)
}

func TestRateLimitedAppliesCallTimeout(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, ratelimit.DefaultConfig())

	bounded := &deadlineAdapter{}
	if _, err := newRateLimited(bounded, limiter, time.Minute).ListMessages(context.Background(), "tok", out.ListOptions{}); err != nil {
		t.Fatal(err)
	}
	if !bounded.hadDeadline {
		t.Error("call should carry a deadline when a timeout is configured")
	}

	unbounded := &deadlineAdapter{}
	if _, err := newRateLimited(unbounded, limiter, 0).ListMessages(context.Background(), "tok", out.ListOptions{}); err != nil {
		t.Fatal(err)
	}
	if unbounded.hadDeadline {
		t.Error("zero timeout must not add a deadline")
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
