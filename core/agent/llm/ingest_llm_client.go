// Package llm wraps the OpenAI API behind the model port. Three model
// tiers back the pipeline: a cheap text model for qualification and
// classification, a stronger text model for field extraction, and a
// vision model for scanned documents and images.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

const (
	DefaultCheapModel  = "gpt-4o-mini"
	DefaultStrongModel = "gpt-4o"
	DefaultVisionModel = "gpt-4o"

	DefaultMaxTokens  = 2048
	DefaultMaxRetries = 3

	maxExtractChars = 24000 // clamp document text sent to the model
	maxExcerptChars = 2000  // body excerpt for qualification

	retryPause = 500 * time.Millisecond
)

// Dollar estimates per operation, charged against the daily cap before
// the call is placed. Deliberately pessimistic.
const (
	costQualify      = 0.0005
	costClassify     = 0.001
	costExtractBase  = 0.01
	costExtractPerKB = 0.0005
	costVisionBase   = 0.02
	costVisionPerKB  = 0.0002
)

type Client struct {
	client      *openai.Client
	cheapModel  string
	strongModel string
	visionModel string
	maxTokens   int
	maxRetries  int
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	CheapModel  string
	StrongModel string
	VisionModel string

	// MaxTokens caps each completion; Timeout bounds each HTTP call;
	// MaxRetries is the transient-error retry budget per call. Zero
	// values take the defaults.
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
}

func NewClient(cfg ClientConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{
		client:      openai.NewClientWithConfig(oc),
		cheapModel:  cfg.CheapModel,
		strongModel: cfg.StrongModel,
		visionModel: cfg.VisionModel,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
	}
	if c.cheapModel == "" {
		c.cheapModel = DefaultCheapModel
	}
	if c.strongModel == "" {
		c.strongModel = DefaultStrongModel
	}
	if c.visionModel == "" {
		c.visionModel = DefaultVisionModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	return c
}

var _ out.LLMPort = (*Client)(nil)

func (c *Client) QualifyMessage(ctx context.Context, sender, subject, bodyExcerpt string) (*out.QualificationVerdict, error) {
	if len(bodyExcerpt) > maxExcerptChars {
		bodyExcerpt = bodyExcerpt[:maxExcerptChars]
	}
	prompt := fmt.Sprintf(`You decide whether an email likely carries a business document
(invoice, receipt, bill, statement, order, contract, tax form) or records a
financial transaction. Marketing, newsletters, and social notifications do not qualify.

From: %s
Subject: %s
Body excerpt:
%s

Respond with JSON: {"qualified": bool, "confidence": 0.0-1.0, "reason": "short phrase"}`,
		sender, subject, bodyExcerpt)

	var verdict out.QualificationVerdict
	if err := c.completeJSON(ctx, c.cheapModel, prompt, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

func (c *Client) ClassifyDocument(ctx context.Context, text string) (*out.Classification, error) {
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	types := make([]string, len(domain.KnownDocumentTypes))
	for i, t := range domain.KnownDocumentTypes {
		types[i] = string(t)
	}
	prompt := fmt.Sprintf(`Classify this document as exactly one of: %s.

Document text:
%s

Respond with JSON: {"document_type": "<type>", "confidence": 0.0-1.0}`,
		strings.Join(types, ", "), text)

	var cls out.Classification
	if err := c.completeJSON(ctx, c.cheapModel, prompt, &cls); err != nil {
		return nil, err
	}
	if !knownType(cls.DocumentType) {
		cls.DocumentType = domain.DocOther
	}
	return &cls, nil
}

func (c *Client) ExtractFields(ctx context.Context, docType domain.DocumentType, text string) (*out.FieldExtraction, error) {
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	prompt := fmt.Sprintf(`Extract structured data from this %s.

Document text:
%s

Respond with JSON:
{
  "fields": {
    "total_amount": "numeric string, e.g. 1234.56",
    "currency": "ISO 4217 code",
    "vendor_name": "issuing party name",
    "invoice_number": "document reference if present",
    "issue_date": "YYYY-MM-DD if present",
    "due_date": "YYYY-MM-DD if present"
  },
  "line_items": [{"description": "...", "quantity": "1", "unit_price": "0.00", "amount": "0.00"}],
  "confidence": 0.0-1.0
}
Omit fields you cannot find. Use the document's own numbers; never invent values.`,
		docType, text)

	var ext out.FieldExtraction
	if err := c.completeJSON(ctx, c.strongModel, prompt, &ext); err != nil {
		return nil, err
	}
	return &ext, nil
}

func (c *Client) VisionExtract(ctx context.Context, mimeType string, data []byte) (string, error) {
	url := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	return c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Transcribe all text in this document image. Preserve line breaks and the reading order. Output only the transcription.",
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailHigh},
					},
				},
			},
		},
	})
}

func (c *Client) EstimateCost(op string, inputBytes int) float64 {
	kb := float64(inputBytes) / 1024
	switch op {
	case "qualify":
		return costQualify
	case "classify":
		return costClassify
	case "extract":
		return costExtractBase + kb*costExtractPerKB
	case "vision":
		return costVisionBase + kb*costVisionPerKB
	default:
		return costClassify
	}
}

// completeJSON runs one JSON-mode completion and unmarshals the reply.
// A malformed reply gets one reformat retry before failing permanent.
func (c *Client) completeJSON(ctx context.Context, model, prompt string, v any) error {
	raw, err := c.chatJSON(ctx, model, prompt)
	if err != nil {
		return err
	}
	if jsonErr := json.Unmarshal([]byte(ExtractJSON(raw)), v); jsonErr == nil {
		return nil
	}
	retry := fmt.Sprintf("The previous reply was not valid JSON. Reply again with only the JSON object.\n\n%s", prompt)
	raw, err = c.chatJSON(ctx, model, retry)
	if err != nil {
		return err
	}
	if jsonErr := json.Unmarshal([]byte(ExtractJSON(raw)), v); jsonErr != nil {
		return fault.Wrap(fault.KindLLMPermanent, "model returned malformed JSON twice", jsonErr)
	}
	return nil
}

func (c *Client) chatJSON(ctx context.Context, model, prompt string) (string, error) {
	return c.complete(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
}

// complete places one completion with the configured token cap,
// retrying transient failures up to the retry budget.
func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	req.MaxTokens = c.maxTokens

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fault.Wrap(fault.KindLLMTransient, "completion canceled", ctx.Err())
			case <-time.After(time.Duration(attempt) * retryPause):
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = translateErr(err)
			if fault.KindOf(lastErr) != fault.KindLLMTransient {
				return "", lastErr
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fault.New(fault.KindLLMTransient, "empty completion")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}
	return "", lastErr
}

// ExtractJSON strips markdown fences some models wrap around JSON.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if start := strings.IndexByte(s, '{'); start > 0 {
		s = s[start:]
	}
	return s
}

func knownType(dt domain.DocumentType) bool {
	for _, t := range domain.KnownDocumentTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// translateErr maps OpenAI API errors onto the fault taxonomy.
func translateErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fault.Wrap(fault.KindLLMTransient, "model rate limited", err)
		case apiErr.HTTPStatusCode >= 500:
			return fault.Wrap(fault.KindLLMTransient, "model upstream error", err)
		default:
			return fault.Wrap(fault.KindLLMPermanent, "model rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindLLMTransient, "model call timed out", err)
	}
	return fault.Wrap(fault.KindLLMTransient, "model call failed", err)
}
