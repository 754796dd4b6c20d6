package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// OutlookAdapter talks to Microsoft Graph over plain REST.
type OutlookAdapter struct {
	client *http.Client
}

func NewOutlookAdapter() *OutlookAdapter {
	return &OutlookAdapter{client: &http.Client{Timeout: 30 * time.Second}}
}

var _ out.EmailProviderPort = (*OutlookAdapter)(nil)

func (a *OutlookAdapter) Provider() domain.Provider { return domain.ProviderOutlook }

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	Subject          string           `json:"subject"`
	BodyPreview      string           `json:"bodyPreview"`
	ReceivedDateTime time.Time        `json:"receivedDateTime"`
	From             *graphRecipient  `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	Body             *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Attachments []graphAttachment `json:"attachments"`
}

type graphAttachment struct {
	ODataType   string `json:"@odata.type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
}

func (a *OutlookAdapter) ListMessages(ctx context.Context, accessToken string, opts out.ListOptions) (*out.MessagePage, error) {
	// Graph pages through @odata.nextLink; the cursor is that full URL.
	requestURL := opts.PageCursor
	if requestURL == "" {
		params := url.Values{}
		params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", opts.Since.UTC().Format(time.RFC3339)))
		params.Set("$orderby", "receivedDateTime asc")
		params.Set("$select", "id,conversationId,subject,from,toRecipients,receivedDateTime,bodyPreview")
		if opts.PageSize > 0 {
			params.Set("$top", fmt.Sprintf("%d", opts.PageSize))
		}
		requestURL = graphBaseURL + "/me/messages?" + params.Encode()
	}

	var resp struct {
		Value    []graphMessage `json:"value"`
		NextLink string         `json:"@odata.nextLink"`
	}
	if err := a.get(ctx, accessToken, requestURL, &resp); err != nil {
		return nil, err
	}

	page := &out.MessagePage{NextCursor: resp.NextLink}
	for i := range resp.Value {
		page.Messages = append(page.Messages, outlookMeta(&resp.Value[i]))
	}
	return page, nil
}

func (a *OutlookAdapter) FetchMessage(ctx context.Context, accessToken, providerMessageID string) (*domain.Message, error) {
	requestURL := fmt.Sprintf(
		"%s/me/messages/%s?$select=id,conversationId,subject,from,toRecipients,receivedDateTime,bodyPreview,body&$expand=attachments($select=id,name,contentType,size,isInline)",
		graphBaseURL, url.PathEscape(providerMessageID))

	var gm graphMessage
	if err := a.get(ctx, accessToken, requestURL, &gm); err != nil {
		return nil, err
	}

	msg := outlookMeta(&gm)
	if gm.Body != nil {
		if gm.Body.ContentType == "html" {
			msg.Body = stripHTML(gm.Body.Content)
		} else {
			msg.Body = gm.Body.Content
		}
	}
	if msg.Snippet == "" {
		msg.Snippet = snippetOf(msg.Body)
	}
	for _, att := range gm.Attachments {
		if att.ODataType != "" && att.ODataType != "#microsoft.graph.fileAttachment" {
			continue
		}
		msg.Attachments = append(msg.Attachments, domain.AttachmentRef{
			ProviderAttachmentID: att.ID,
			Filename:             att.Name,
			MimeType:             att.ContentType,
			DeclaredSize:         att.Size,
		})
	}
	return msg, nil
}

func (a *OutlookAdapter) FetchAttachment(ctx context.Context, accessToken, providerMessageID, providerAttachmentID string) ([]byte, error) {
	requestURL := fmt.Sprintf("%s/me/messages/%s/attachments/%s/$value",
		graphBaseURL, url.PathEscape(providerMessageID), url.PathEscape(providerAttachmentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, translateErr("graph attachment request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, translateErr("graph attachment", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, translateHTTP(resp.StatusCode, resp.Header.Get("Retry-After"), "graph attachment: "+string(body))
	}
	return io.ReadAll(resp.Body)
}

func (a *OutlookAdapter) get(ctx context.Context, accessToken, requestURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return translateErr("graph request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return translateErr("graph get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return translateHTTP(resp.StatusCode, resp.Header.Get("Retry-After"), "graph: "+string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return translateErr("graph decode", err)
	}
	return nil
}

func outlookMeta(gm *graphMessage) *domain.Message {
	m := &domain.Message{
		Provider:          domain.ProviderOutlook,
		ProviderMessageID: gm.ID,
		ProviderThreadID:  gm.ConversationID,
		Subject:           gm.Subject,
		Snippet:           gm.BodyPreview,
		ReceivedAt:        gm.ReceivedDateTime.UTC(),
	}
	if gm.From != nil {
		m.Sender = gm.From.EmailAddress.Address
	}
	if len(gm.ToRecipients) > 0 {
		m.Recipient = gm.ToRecipients[0].EmailAddress.Address
	}
	return m
}
