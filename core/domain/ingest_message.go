// Package domain holds the entities of the ingestion core.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies a mail provider.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap"
)

// QualificationStage records which stage decided a message.
type QualificationStage string

const (
	StageSubject QualificationStage = "subject"
	StageBody    QualificationStage = "body"
	StageLLM     QualificationStage = "llm"
)

// Message is one observed email. Keyed by (user_id, provider_message_id).
type Message struct {
	ID                int64
	UserID            uuid.UUID
	Provider          Provider
	ProviderMessageID string
	ProviderThreadID  string

	Sender     string
	Recipient  string
	Subject    string
	Snippet    string
	Body       string // text/plain preferred, stripped HTML fallback
	ReceivedAt time.Time

	Attachments []AttachmentRef

	// Qualification fields. Written at most once; IsQualified nil means
	// pending.
	IsQualified             *bool
	QualificationStage      QualificationStage
	QualificationConfidence float64
	QualificationReason     string
	QualifiedAt             *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Qualified reports whether the message has been decided positively.
func (m *Message) Qualified() bool {
	return m.IsQualified != nil && *m.IsQualified
}

// Pending reports whether qualification has not run yet.
func (m *Message) Pending() bool {
	return m.IsQualified == nil
}

// DownloadState tracks attachment byte retrieval.
type DownloadState string

const (
	DownloadPending     DownloadState = "pending"
	DownloadDownloading DownloadState = "downloading"
	DownloadDownloaded  DownloadState = "downloaded"
	DownloadSkipped     DownloadState = "skipped"
	DownloadFailed      DownloadState = "failed"
)

// AttachmentRef is the lightweight record of a provider-advertised
// attachment, prior to byte download.
type AttachmentRef struct {
	ID                   int64
	UserID               uuid.UUID
	MessageID            int64
	ProviderAttachmentID string
	Filename             string
	MimeType             string
	DeclaredSize         int64
	DownloadState        DownloadState
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// supportedAttachmentMimes are the MIME types the extraction pipeline
// accepts.
var supportedAttachmentMimes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
	"image/tiff":      true,
	"image/webp":      true,
	"image/bmp":       true,
}

// SupportedDocumentMime reports whether a content type can enter the
// extraction pipeline. Shared by attachment refs and direct uploads.
func SupportedDocumentMime(mimeType string) bool {
	return supportedAttachmentMimes[mimeType]
}

// Supported reports whether the attachment is a candidate for extraction.
func (a *AttachmentRef) Supported() bool {
	return SupportedDocumentMime(a.MimeType)
}

// IsImage reports whether the attachment is a raster image.
func (a *AttachmentRef) IsImage() bool {
	return a.Supported() && a.MimeType != "application/pdf"
}
