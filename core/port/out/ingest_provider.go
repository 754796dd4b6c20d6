package out

import (
	"context"
	"time"

	"papergraph/core/domain"
)

// MessagePage is one page of provider message listings.
type MessagePage struct {
	Messages   []*domain.Message
	NextCursor string // empty when the listing is exhausted
}

// ListOptions shape a provider listing call.
type ListOptions struct {
	Since      time.Time
	PageCursor string
	PageSize   int
}

// EmailProviderPort abstracts one mail provider API. Implementations
// translate provider faults into pkg/fault kinds: HTTP 401 and
// invalid_grant map to credential_revoked, 429 to rate_limited with the
// advertised retry-after, 5xx to provider_transient, and the remaining
// 4xx to provider_permanent.
type EmailProviderPort interface {
	Provider() domain.Provider

	// ListMessages returns message metadata received at or after
	// opts.Since, one page at a time. Attachment refs carry provider
	// attachment IDs only; no bytes are fetched.
	ListMessages(ctx context.Context, accessToken string, opts ListOptions) (*MessagePage, error)

	// FetchMessage retrieves the full body for a previously listed
	// message. Text parts are preferred; HTML is stripped to text.
	FetchMessage(ctx context.Context, accessToken, providerMessageID string) (*domain.Message, error)

	// FetchAttachment retrieves attachment bytes.
	FetchAttachment(ctx context.Context, accessToken, providerMessageID, providerAttachmentID string) ([]byte, error)
}

// ProviderFactory hands out the adapter for a provider name.
type ProviderFactory interface {
	For(provider domain.Provider) (EmailProviderPort, error)
}
