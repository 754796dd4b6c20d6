package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

// IMAPAdapter serves generic mailboxes over IMAP with an app password.
// The credential arrives as "username:password"; message IDs are
// mailbox UIDs and attachment IDs are "uid#partIndex", since IMAP has
// no stable attachment identifiers.
type IMAPAdapter struct {
	addr string // host:port, TLS
}

func NewIMAPAdapter(addr string) *IMAPAdapter {
	return &IMAPAdapter{addr: addr}
}

var _ out.EmailProviderPort = (*IMAPAdapter)(nil)

func (a *IMAPAdapter) Provider() domain.Provider { return domain.ProviderIMAP }

func (a *IMAPAdapter) connect(accessToken string) (*client.Client, error) {
	username, password, ok := strings.Cut(accessToken, ":")
	if !ok {
		return nil, fault.New(fault.KindCredentialRevoked, "imap credential missing username")
	}

	c, err := client.DialTLS(a.addr, &tls.Config{ServerName: strings.Split(a.addr, ":")[0]})
	if err != nil {
		return nil, fault.Wrap(fault.KindProviderTransient, "imap dial", err)
	}
	if err := c.Login(username, password); err != nil {
		_ = c.Logout()
		return nil, fault.Wrap(fault.KindCredentialRevoked, "imap login rejected", err)
	}
	return c, nil
}

func (a *IMAPAdapter) ListMessages(ctx context.Context, accessToken string, opts out.ListOptions) (*out.MessagePage, error) {
	c, err := a.connect(accessToken)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", true); err != nil {
		return nil, fault.Wrap(fault.KindProviderTransient, "imap select", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = opts.Since
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fault.Wrap(fault.KindProviderTransient, "imap search", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	// The cursor is the last UID already delivered.
	var after uint32
	if opts.PageCursor != "" {
		parsed, err := strconv.ParseUint(opts.PageCursor, 10, 32)
		if err != nil {
			return nil, fault.Newf(fault.KindInternal, "bad imap cursor %q", opts.PageCursor)
		}
		after = uint32(parsed)
	}
	remaining := uids[:0]
	for _, uid := range uids {
		if uid > after {
			remaining = append(remaining, uid)
		}
	}

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > len(remaining) {
		pageSize = len(remaining)
	}
	batch := remaining[:pageSize]

	page := &out.MessagePage{}
	if len(batch) == 0 {
		return page, nil
	}
	if len(remaining) > pageSize {
		page.NextCursor = strconv.FormatUint(uint64(batch[len(batch)-1]), 10)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(batch...)

	messages := make(chan *imap.Message, len(batch))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}, messages)
	}()

	for msg := range messages {
		page.Messages = append(page.Messages, imapMeta(msg))
	}
	if err := <-done; err != nil {
		return nil, fault.Wrap(fault.KindProviderTransient, "imap fetch envelopes", err)
	}
	return page, nil
}

func (a *IMAPAdapter) FetchMessage(ctx context.Context, accessToken, providerMessageID string) (*domain.Message, error) {
	env, meta, err := a.fetchEnvelope(accessToken, providerMessageID)
	if err != nil {
		return nil, err
	}

	meta.Body = preferText(env.Text, env.HTML)
	meta.Snippet = snippetOf(meta.Body)
	for i, part := range env.Attachments {
		meta.Attachments = append(meta.Attachments, domain.AttachmentRef{
			ProviderAttachmentID: fmt.Sprintf("%s#%d", providerMessageID, i),
			Filename:             part.FileName,
			MimeType:             part.ContentType,
			DeclaredSize:         int64(len(part.Content)),
		})
	}
	return meta, nil
}

func (a *IMAPAdapter) FetchAttachment(ctx context.Context, accessToken, providerMessageID, providerAttachmentID string) ([]byte, error) {
	uidPart, idxPart, ok := strings.Cut(providerAttachmentID, "#")
	if !ok || uidPart != providerMessageID {
		return nil, fault.Newf(fault.KindProviderPermanent, "bad imap attachment id %q", providerAttachmentID)
	}
	idx, err := strconv.Atoi(idxPart)
	if err != nil || idx < 0 {
		return nil, fault.Newf(fault.KindProviderPermanent, "bad imap attachment index %q", idxPart)
	}

	env, _, err := a.fetchEnvelope(accessToken, providerMessageID)
	if err != nil {
		return nil, err
	}
	if idx >= len(env.Attachments) {
		return nil, fault.Newf(fault.KindProviderPermanent, "attachment %d missing from message %s", idx, providerMessageID)
	}
	return env.Attachments[idx].Content, nil
}

// fetchEnvelope downloads and parses one full message by UID.
func (a *IMAPAdapter) fetchEnvelope(accessToken, providerMessageID string) (*enmime.Envelope, *domain.Message, error) {
	uid, err := strconv.ParseUint(providerMessageID, 10, 32)
	if err != nil {
		return nil, nil, fault.Newf(fault.KindProviderPermanent, "bad imap message id %q", providerMessageID)
	}

	c, err := a.connect(accessToken)
	if err != nil {
		return nil, nil, err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", true); err != nil {
		return nil, nil, fault.Wrap(fault.KindProviderTransient, "imap select", err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope, imap.FetchUid}, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		fetched = msg
	}
	if err := <-done; err != nil {
		return nil, nil, fault.Wrap(fault.KindProviderTransient, "imap fetch message", err)
	}
	if fetched == nil {
		return nil, nil, fault.Newf(fault.KindProviderPermanent, "message %s not found", providerMessageID)
	}

	body := fetched.GetBody(section)
	if body == nil {
		return nil, nil, fault.Newf(fault.KindProviderPermanent, "message %s has no body section", providerMessageID)
	}
	env, err := enmime.ReadEnvelope(body)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindProviderPermanent, "parse mime message", err)
	}
	return env, imapMeta(fetched), nil
}

func imapMeta(msg *imap.Message) *domain.Message {
	m := &domain.Message{
		Provider:          domain.ProviderIMAP,
		ProviderMessageID: strconv.FormatUint(uint64(msg.Uid), 10),
	}
	if msg.Envelope != nil {
		m.Subject = msg.Envelope.Subject
		m.ReceivedAt = msg.Envelope.Date.UTC()
		if len(msg.Envelope.From) > 0 {
			m.Sender = msg.Envelope.From[0].Address()
		}
		if len(msg.Envelope.To) > 0 {
			m.Recipient = msg.Envelope.To[0].Address()
		}
		m.ProviderThreadID = msg.Envelope.MessageId
	}
	return m
}
