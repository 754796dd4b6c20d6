package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/in"
	"papergraph/core/port/out"
	"papergraph/core/service/llmguard"
	"papergraph/core/service/template"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

// leaseHeldRetryAfter is the advisory backoff returned when another
// worker owns the document lease.
const leaseHeldRetryAfter = 30 * time.Second

type Config struct {
	Policy   CostPolicy
	LeaseTTL time.Duration // default 10 min, matches the job hard limit
	Owner    string        // worker identity recorded on leases
}

type Service struct {
	cfg          Config
	messages     out.MessageRepository
	attachments  out.AttachmentRepository
	documents    out.DocumentRepository
	parties      out.PartyRepository
	transactions out.TransactionRepository
	links        out.LinkRepository
	blobs        out.BlobStore
	graph        out.GraphStore
	providers    out.ProviderFactory
	credentials  in.CredentialService
	llm          llmguard.GuardedLLM
	templates    *template.Service
}

func NewService(
	cfg Config,
	messages out.MessageRepository,
	attachments out.AttachmentRepository,
	documents out.DocumentRepository,
	parties out.PartyRepository,
	transactions out.TransactionRepository,
	links out.LinkRepository,
	blobs out.BlobStore,
	graph out.GraphStore,
	providers out.ProviderFactory,
	credentials in.CredentialService,
	llm llmguard.GuardedLLM,
	templates *template.Service,
) *Service {
	if cfg.Policy == "" {
		cfg.Policy = PolicyConservative
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.New().String()[:8]
	}
	return &Service{
		cfg:          cfg,
		messages:     messages,
		attachments:  attachments,
		documents:    documents,
		parties:      parties,
		transactions: transactions,
		links:        links,
		blobs:        blobs,
		graph:        graph,
		providers:    providers,
		credentials:  credentials,
		llm:          llm,
		templates:    templates,
	}
}

var _ in.ExtractionService = (*Service)(nil)

// ProcessAttachment runs the full pipeline for one attachment of a
// qualified message. Safe to redeliver: terminal documents are not
// reprocessed, and a held lease defers the job instead of forking a
// second worker.
func (s *Service) ProcessAttachment(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) error {
	ref, err := s.attachments.GetByID(ctx, attachmentID)
	if err != nil {
		if err == out.ErrNotFound {
			return fault.Newf(fault.KindInternal, "attachment %d not found", attachmentID)
		}
		return fault.Wrap(fault.KindInternal, "load attachment", err)
	}
	if ref.UserID != userID || ref.MessageID != messageID {
		return fault.Newf(fault.KindInternal, "attachment %d does not belong to message %d", attachmentID, messageID)
	}
	if !ref.Supported() {
		return nil
	}

	msg, err := s.messages.GetByID(ctx, userID, messageID)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "load message", err)
	}

	doc, err := s.documents.CreateQueued(ctx, userID, attachmentID, SenderDomain(msg.Sender))
	if err != nil {
		return fault.Wrap(fault.KindInternal, "create document", err)
	}
	if doc.ExtractionStatus.Terminal() {
		// Redelivery after completion: make sure the link exists, then
		// stop.
		if doc.ExtractionStatus == domain.ExtractionCompleted {
			if linkErr := s.links.Link(ctx, userID, messageID, doc.ID); linkErr != nil {
				return fault.Wrap(fault.KindInternal, "relink document", linkErr)
			}
		}
		return nil
	}

	token, err := s.documents.AcquireLease(ctx, doc.ID, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		return fault.RateLimited("document lease held by another worker", leaseHeldRetryAfter)
	}
	defer s.releaseLease(token)

	if _, err := s.documents.IncrementAttempt(ctx, doc.ID); err != nil {
		logger.WithError(err).Warn("attempt counter update failed")
	}

	data, mime, err := s.fetchAttachmentBytes(ctx, token, msg, ref)
	if err != nil {
		return s.finish(ctx, token, err)
	}

	return s.finish(ctx, token, s.runPipeline(ctx, token, doc, msg, data, mime))
}

// ProcessDocument reruns the pipeline for an already-stored document,
// reading bytes back from blob storage. Used for direct uploads and
// reprocessing.
func (s *Service) ProcessDocument(ctx context.Context, userID uuid.UUID, documentID int64) error {
	doc, err := s.documents.GetByID(ctx, userID, documentID)
	if err != nil {
		if err == out.ErrNotFound {
			return fault.Newf(fault.KindInternal, "document %d not found", documentID)
		}
		return fault.Wrap(fault.KindInternal, "load document", err)
	}
	if doc.ExtractionStatus.Terminal() {
		return nil
	}
	if doc.StorageKey == "" {
		return fault.Newf(fault.KindInternal, "document %d has no stored bytes", documentID)
	}

	token, err := s.documents.AcquireLease(ctx, doc.ID, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		return fault.RateLimited("document lease held by another worker", leaseHeldRetryAfter)
	}
	defer s.releaseLease(token)

	if _, err := s.documents.IncrementAttempt(ctx, doc.ID); err != nil {
		logger.WithError(err).Warn("attempt counter update failed")
	}

	data, mime, err := s.blobs.GetBytes(ctx, doc.StorageKey)
	if err != nil {
		return s.finish(ctx, token, fault.Wrap(fault.KindInternal, "read stored bytes", err))
	}

	var msg *domain.Message
	if doc.SourceAttachmentID != nil {
		if ref, refErr := s.attachments.GetByID(ctx, *doc.SourceAttachmentID); refErr == nil {
			msg, _ = s.messages.GetByID(ctx, userID, ref.MessageID)
		}
	}

	return s.finish(ctx, token, s.runPipeline(ctx, token, doc, msg, data, mime))
}

// IngestUpload stores uploaded bytes and queues a document for them. A
// completed document with the same content is returned as-is, making
// repeat uploads idempotent.
func (s *Service) IngestUpload(ctx context.Context, userID uuid.UUID, mimeType string, data []byte) (*domain.Document, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.KindOutOfScope, "empty upload")
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if !domain.SupportedDocumentMime(mimeType) {
		return nil, fault.Newf(fault.KindOutOfScope, "unsupported content type %q", mimeType)
	}

	hash := sha256.Sum256(data)
	contentHash := hex.EncodeToString(hash[:])

	existing, err := s.documents.GetByContentHash(ctx, userID, contentHash)
	if err != nil && err != out.ErrNotFound {
		return nil, fault.Wrap(fault.KindInternal, "dedup lookup", err)
	}
	if existing != nil && existing.ExtractionStatus == domain.ExtractionCompleted {
		return existing, nil
	}

	storageKey, err := s.blobs.PutBytes(ctx, userID, contentHash, mimeType, data)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "store upload", err)
	}

	doc, err := s.documents.CreateUpload(ctx, userID, contentHash, storageKey)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "create upload document", err)
	}
	logger.WithFields(map[string]any{
		"document_id": doc.ID,
		"mime_type":   mimeType,
		"size":        len(data),
	}).Info("upload accepted")
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, userID uuid.UUID, documentID int64) (*in.DocumentView, error) {
	doc, err := s.documents.GetByID(ctx, userID, documentID)
	if err != nil {
		if err == out.ErrNotFound {
			return nil, fault.Newf(fault.KindInternal, "document %d not found", documentID)
		}
		return nil, fault.Wrap(fault.KindInternal, "load document", err)
	}

	txns, err := s.transactions.ListByDocument(ctx, userID, documentID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load transactions", err)
	}
	links, err := s.links.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "load links", err)
	}

	view := &in.DocumentView{Document: doc, Transactions: txns, Links: links}
	for _, txn := range txns {
		if txn.PartyID != nil {
			if party, pErr := s.parties.GetByID(ctx, userID, *txn.PartyID); pErr == nil {
				view.Party = party
			}
			break
		}
	}
	return view, nil
}

// finish maps a pipeline outcome onto the document's terminal state.
// Skips settle the document and consume the job; terminal failures
// settle the document and still fail the job so the dead letter record
// is written; transient errors leave the document non-terminal for the
// retry.
func (s *Service) finish(ctx context.Context, token *out.LeaseToken, err error) error {
	if err == nil {
		return nil
	}
	if fault.IsSkip(err) {
		reason := string(fault.KindOf(err))
		if markErr := s.documents.MarkSkipped(ctx, token, reason); markErr != nil {
			return fault.Wrap(fault.KindInternal, "mark skipped", markErr)
		}
		logger.WithFields(map[string]any{
			"document_id": token.DocumentID,
			"reason":      reason,
		}).Info("document skipped")
		return nil
	}
	if fault.IsTerminal(err) {
		if markErr := s.documents.MarkFailed(ctx, token, fault.TraceOf(err)); markErr != nil {
			logger.WithError(markErr).Error("mark failed did not apply")
		}
	}
	return err
}

func (s *Service) releaseLease(token *out.LeaseToken) {
	if err := s.documents.ReleaseLease(context.Background(), token); err != nil {
		logger.WithError(err).Warn("lease release failed")
	}
}

func (s *Service) fetchAttachmentBytes(ctx context.Context, token *out.LeaseToken, msg *domain.Message, ref *domain.AttachmentRef) ([]byte, string, error) {
	if err := s.documents.SetStatus(ctx, token, domain.ExtractionFetching); err != nil {
		return nil, "", fault.Wrap(fault.KindInternal, "set fetching", err)
	}
	if err := s.attachments.UpdateDownloadState(ctx, ref.ID, domain.DownloadDownloading); err != nil {
		logger.WithError(err).Warn("download state update failed")
	}

	accessToken, err := s.credentials.GetAccessToken(ctx, msg.UserID, msg.Provider)
	if err != nil {
		return nil, "", err
	}
	provider, err := s.providers.For(msg.Provider)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindInternal, "resolve provider", err)
	}

	data, err := provider.FetchAttachment(ctx, accessToken, msg.ProviderMessageID, ref.ProviderAttachmentID)
	if err != nil {
		if markErr := s.attachments.UpdateDownloadState(ctx, ref.ID, domain.DownloadFailed); markErr != nil {
			logger.WithError(markErr).Warn("download state update failed")
		}
		return nil, "", err
	}
	if err := s.attachments.UpdateDownloadState(ctx, ref.ID, domain.DownloadDownloaded); err != nil {
		logger.WithError(err).Warn("download state update failed")
	}
	return data, ref.MimeType, nil
}

// SenderDomain extracts the domain part of an RFC 5322 address, with
// or without a display name.
func SenderDomain(sender string) string {
	addr := sender
	if i := strings.LastIndexByte(addr, '<'); i >= 0 {
		addr = addr[i+1:]
		addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}
