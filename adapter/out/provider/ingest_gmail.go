package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// listConcurrency bounds the parallel metadata fetches per page.
const listConcurrency = 5

// GmailAdapter talks to the Gmail API. Adapters are stateless; the
// access token arrives with every call.
type GmailAdapter struct{}

func NewGmailAdapter() *GmailAdapter { return &GmailAdapter{} }

var _ out.EmailProviderPort = (*GmailAdapter)(nil)

func (a *GmailAdapter) Provider() domain.Provider { return domain.ProviderGmail }

func (a *GmailAdapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, translateErr("gmail service", err)
	}
	return svc, nil
}

func (a *GmailAdapter) ListMessages(ctx context.Context, accessToken string, opts out.ListOptions) (*out.MessagePage, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	req := svc.Users.Messages.List("me").Q(fmt.Sprintf("after:%d", opts.Since.Unix()))
	if opts.PageCursor != "" {
		req = req.PageToken(opts.PageCursor)
	}
	if opts.PageSize > 0 {
		req = req.MaxResults(int64(opts.PageSize))
	}

	resp, err := req.Context(ctx).Do()
	if err != nil {
		return nil, translateErr("gmail list", err)
	}

	page := &out.MessagePage{NextCursor: resp.NextPageToken}
	if len(resp.Messages) == 0 {
		return page, nil
	}

	// Listing only returns IDs; header metadata needs one fetch per
	// message, bounded so one page does not spike the quota.
	type result struct {
		index int
		msg   *domain.Message
		err   error
	}
	results := make(chan result, len(resp.Messages))
	sem := make(chan struct{}, listConcurrency)

	for i, m := range resp.Messages {
		go func(idx int, id string) {
			sem <- struct{}{}
			defer func() { <-sem }()

			meta, err := svc.Users.Messages.Get("me", id).
				Format("metadata").
				MetadataHeaders("From", "To", "Subject", "Date").
				Context(ctx).
				Do()
			if err != nil {
				results <- result{index: idx, err: translateErr("gmail message metadata", err)}
				return
			}
			results <- result{index: idx, msg: gmailMeta(meta)}
		}(i, m.Id)
	}

	ordered := make([]*domain.Message, len(resp.Messages))
	var firstErr error
	for range resp.Messages {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		ordered[r.index] = r.msg
	}
	if firstErr != nil {
		return nil, firstErr
	}

	for _, msg := range ordered {
		if msg != nil {
			page.Messages = append(page.Messages, msg)
		}
	}
	return page, nil
}

func (a *GmailAdapter) FetchMessage(ctx context.Context, accessToken, providerMessageID string) (*domain.Message, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	full, err := svc.Users.Messages.Get("me", providerMessageID).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		return nil, translateErr("gmail message", err)
	}

	msg := gmailMeta(full)
	plain, htmlBody := gmailBody(full.Payload)
	msg.Body = preferText(plain, htmlBody)
	if msg.Snippet == "" {
		msg.Snippet = snippetOf(msg.Body)
	}
	msg.Attachments = gmailAttachments(full.Payload)
	return msg, nil
}

func (a *GmailAdapter) FetchAttachment(ctx context.Context, accessToken, providerMessageID, providerAttachmentID string) ([]byte, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	att, err := svc.Users.Messages.Attachments.Get("me", providerMessageID, providerAttachmentID).
		Context(ctx).
		Do()
	if err != nil {
		return nil, translateErr("gmail attachment", err)
	}

	data, err := base64.URLEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, translateErr("gmail attachment decode", err)
	}
	return data, nil
}

func gmailMeta(msg *gmail.Message) *domain.Message {
	m := &domain.Message{
		Provider:          domain.ProviderGmail,
		ProviderMessageID: msg.Id,
		ProviderThreadID:  msg.ThreadId,
		Snippet:           msg.Snippet,
		ReceivedAt:        time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				m.Sender = h.Value
			case "To":
				m.Recipient = h.Value
			case "Subject":
				m.Subject = h.Value
			}
		}
	}
	return m
}

func gmailBody(payload *gmail.MessagePart) (plain, htmlBody string) {
	if payload == nil {
		return "", ""
	}
	if payload.Body != nil && payload.Body.Data != "" {
		data, _ := base64.URLEncoding.DecodeString(payload.Body.Data)
		switch payload.MimeType {
		case "text/plain":
			plain = string(data)
		case "text/html":
			htmlBody = string(data)
		}
	}
	for _, part := range payload.Parts {
		p, h := gmailBody(part)
		if plain == "" {
			plain = p
		}
		if htmlBody == "" {
			htmlBody = h
		}
	}
	return plain, htmlBody
}

func gmailAttachments(payload *gmail.MessagePart) []domain.AttachmentRef {
	if payload == nil {
		return nil
	}
	var refs []domain.AttachmentRef
	if payload.Filename != "" && payload.Body != nil && payload.Body.AttachmentId != "" {
		refs = append(refs, domain.AttachmentRef{
			ProviderAttachmentID: payload.Body.AttachmentId,
			Filename:             payload.Filename,
			MimeType:             payload.MimeType,
			DeclaredSize:         payload.Body.Size,
		})
	}
	for _, part := range payload.Parts {
		refs = append(refs, gmailAttachments(part)...)
	}
	return refs
}
