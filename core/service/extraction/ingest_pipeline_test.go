package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/core/service/template"
	"papergraph/pkg/fault"
)

// --- in-memory fakes ---

type memDocs struct {
	mu     sync.Mutex
	nextID int64
	docs   map[int64]*domain.Document
}

func newMemDocs() *memDocs { return &memDocs{nextID: 1, docs: map[int64]*domain.Document{}} }

func (m *memDocs) CreateQueued(_ context.Context, userID uuid.UUID, attachmentID int64, senderDomain string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.SourceAttachmentID != nil && *d.SourceAttachmentID == attachmentID {
			cp := *d
			return &cp, nil
		}
	}
	d := &domain.Document{
		ID:                 m.nextID,
		UserID:             userID,
		SourceAttachmentID: &attachmentID,
		SenderDomain:       senderDomain,
		ExtractionStatus:   domain.ExtractionQueued,
	}
	m.nextID++
	m.docs[d.ID] = d
	cp := *d
	return &cp, nil
}

func (m *memDocs) CreateUpload(_ context.Context, userID uuid.UUID, contentHash, storageKey string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &domain.Document{
		ID:               m.nextID,
		UserID:           userID,
		ContentHash:      contentHash,
		StorageKey:       storageKey,
		ExtractionStatus: domain.ExtractionQueued,
	}
	m.nextID++
	m.docs[d.ID] = d
	cp := *d
	return &cp, nil
}

func (m *memDocs) GetByID(_ context.Context, _ uuid.UUID, id int64) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) GetByContentHash(_ context.Context, userID uuid.UUID, hash string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Same preference order as the SQL adapter: a completed row wins,
	// then the lowest id.
	var best *domain.Document
	for _, d := range m.docs {
		if d.UserID != userID || d.ContentHash != hash {
			continue
		}
		if best == nil {
			best = d
			continue
		}
		dDone := d.ExtractionStatus == domain.ExtractionCompleted
		bestDone := best.ExtractionStatus == domain.ExtractionCompleted
		if (dDone && !bestDone) || (dDone == bestDone && d.ID < best.ID) {
			best = d
		}
	}
	if best == nil {
		return nil, out.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memDocs) AcquireLease(_ context.Context, id int64, owner string, ttl time.Duration) (*out.LeaseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	if d.LeasedBy != "" && d.LeasedBy != owner && d.LeaseExpiresAt != nil && d.LeaseExpiresAt.After(time.Now()) {
		return nil, fault.New(fault.KindInternal, "lease held")
	}
	d.LeaseEpoch++
	d.LeasedBy = owner
	exp := time.Now().Add(ttl)
	d.LeaseExpiresAt = &exp
	return &out.LeaseToken{DocumentID: id, Owner: owner, Epoch: d.LeaseEpoch, ExpiresAt: exp}, nil
}

func (m *memDocs) RenewLease(_ context.Context, token *out.LeaseToken, ttl time.Duration) error {
	return m.fenced(token, func(d *domain.Document) {
		exp := time.Now().Add(ttl)
		d.LeaseExpiresAt = &exp
	})
}

func (m *memDocs) ReleaseLease(_ context.Context, token *out.LeaseToken) error {
	return m.fenced(token, func(d *domain.Document) {
		d.LeasedBy = ""
		d.LeaseExpiresAt = nil
	})
}

func (m *memDocs) fenced(token *out.LeaseToken, mutate func(*domain.Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[token.DocumentID]
	if !ok || d.LeaseEpoch != token.Epoch {
		return out.ErrNotFound
	}
	mutate(d)
	return nil
}

func (m *memDocs) SetStatus(_ context.Context, t *out.LeaseToken, s domain.ExtractionStatus) error {
	return m.fenced(t, func(d *domain.Document) { d.ExtractionStatus = s })
}

func (m *memDocs) SetContentHash(_ context.Context, t *out.LeaseToken, hash, key string) error {
	return m.fenced(t, func(d *domain.Document) { d.ContentHash = hash; d.StorageKey = key })
}

func (m *memDocs) SetExtraction(_ context.Context, t *out.LeaseToken, method domain.ExtractionMethod, conf float64, text string, pages, chars int) error {
	return m.fenced(t, func(d *domain.Document) {
		d.ExtractionMethod = method
		d.Confidence = conf
		d.ExtractedText = text
		d.PageCount = pages
		d.CharacterCount = chars
	})
}

func (m *memDocs) SetDocumentType(_ context.Context, t *out.LeaseToken, dt domain.DocumentType) error {
	return m.fenced(t, func(d *domain.Document) { d.DocumentType = dt })
}

func (m *memDocs) SetExtractedFields(_ context.Context, t *out.LeaseToken, fields map[string]string) error {
	return m.fenced(t, func(d *domain.Document) { d.ExtractedFields = fields })
}

func (m *memDocs) MarkCompleted(_ context.Context, t *out.LeaseToken) error {
	return m.fenced(t, func(d *domain.Document) { d.ExtractionStatus = domain.ExtractionCompleted })
}

func (m *memDocs) MarkSkipped(_ context.Context, t *out.LeaseToken, reason string) error {
	return m.fenced(t, func(d *domain.Document) {
		d.ExtractionStatus = domain.ExtractionSkipped
		d.SkippedReason = reason
	})
}

func (m *memDocs) MarkFailed(_ context.Context, t *out.LeaseToken, trace fault.Trace) error {
	return m.fenced(t, func(d *domain.Document) {
		d.ExtractionStatus = domain.ExtractionFailed
		d.LastError = &trace
	})
}

func (m *memDocs) IncrementAttempt(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[id]
	d.AttemptCount++
	return d.AttemptCount, nil
}

type memAttachments struct {
	refs map[int64]*domain.AttachmentRef
}

func (m *memAttachments) CreateRefs(_ context.Context, refs []domain.AttachmentRef) ([]domain.AttachmentRef, error) {
	return refs, nil
}
func (m *memAttachments) GetByID(_ context.Context, id int64) (*domain.AttachmentRef, error) {
	r, ok := m.refs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *r
	return &cp, nil
}
func (m *memAttachments) ListByMessage(context.Context, int64) ([]domain.AttachmentRef, error) {
	return nil, nil
}
func (m *memAttachments) UpdateDownloadState(_ context.Context, id int64, s domain.DownloadState) error {
	m.refs[id].DownloadState = s
	return nil
}

type memMessages struct {
	msgs map[int64]*domain.Message
}

func (m *memMessages) UpsertMeta(context.Context, *domain.Message) (bool, error) { return false, nil }
func (m *memMessages) GetByID(_ context.Context, _ uuid.UUID, id int64) (*domain.Message, error) {
	msg, ok := m.msgs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	return msg, nil
}
func (m *memMessages) GetByProviderID(context.Context, uuid.UUID, domain.Provider, string) (*domain.Message, error) {
	return nil, out.ErrNotFound
}
func (m *memMessages) UpdateBody(context.Context, int64, string, string, string) error { return nil }
func (m *memMessages) NeedsBody(context.Context, int64) (bool, error)                  { return false, nil }
func (m *memMessages) WriteQualification(context.Context, int64, bool, domain.QualificationStage, float64, string) (bool, error) {
	return true, nil
}
func (m *memMessages) ListRecentQualified(context.Context, uuid.UUID, int) ([]*domain.Message, error) {
	return nil, nil
}

type memParties struct {
	nextID int64
	byNorm map[string]*domain.Party
}

func (m *memParties) UpsertByNormalizedName(_ context.Context, userID uuid.UUID, display string, pt domain.PartyType) (*domain.Party, error) {
	norm := domain.NormalizePartyName(display)
	if p, ok := m.byNorm[norm]; ok {
		return p, nil
	}
	m.nextID++
	p := &domain.Party{ID: m.nextID, UserID: userID, NormalizedName: norm, DisplayName: display, PartyType: pt}
	m.byNorm[norm] = p
	return p, nil
}
func (m *memParties) AddAlias(context.Context, int64, string) error { return nil }
func (m *memParties) GetByID(_ context.Context, _ uuid.UUID, id int64) (*domain.Party, error) {
	for _, p := range m.byNorm {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, out.ErrNotFound
}

type memTransactions struct {
	byDoc map[int64][]domain.Transaction
}

func (m *memTransactions) ReplaceForDocument(_ context.Context, docID int64, txns []domain.Transaction) error {
	m.byDoc[docID] = txns
	return nil
}
func (m *memTransactions) ListByDocument(_ context.Context, _ uuid.UUID, docID int64) ([]domain.Transaction, error) {
	return m.byDoc[docID], nil
}

type memLinks struct {
	links []domain.MessageDocumentLink
}

func (m *memLinks) Link(_ context.Context, userID uuid.UUID, messageID, documentID int64) error {
	for _, l := range m.links {
		if l.MessageID == messageID && l.DocumentID == documentID {
			return nil
		}
	}
	m.links = append(m.links, domain.MessageDocumentLink{UserID: userID, MessageID: messageID, DocumentID: documentID})
	return nil
}
func (m *memLinks) ListByDocument(_ context.Context, docID int64) ([]domain.MessageDocumentLink, error) {
	var outLinks []domain.MessageDocumentLink
	for _, l := range m.links {
		if l.DocumentID == docID {
			outLinks = append(outLinks, l)
		}
	}
	return outLinks, nil
}

type memBlobs struct {
	bytes map[string][]byte
	mimes map[string]string
	texts map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{bytes: map[string][]byte{}, mimes: map[string]string{}, texts: map[string]string{}}
}

func (m *memBlobs) PutBytes(_ context.Context, _ uuid.UUID, hash, mime string, data []byte) (string, error) {
	key := "blob:" + hash
	m.bytes[key] = data
	m.mimes[key] = mime
	return key, nil
}
func (m *memBlobs) GetBytes(_ context.Context, key string) ([]byte, string, error) {
	return m.bytes[key], m.mimes[key], nil
}
func (m *memBlobs) PutText(_ context.Context, key, text string) error {
	m.texts[key] = text
	return nil
}
func (m *memBlobs) GetText(_ context.Context, key string) (string, error) { return m.texts[key], nil }

type stubProvider struct {
	data []byte
}

func (p *stubProvider) Provider() domain.Provider { return domain.ProviderGmail }
func (p *stubProvider) ListMessages(context.Context, string, out.ListOptions) (*out.MessagePage, error) {
	return &out.MessagePage{}, nil
}
func (p *stubProvider) FetchMessage(context.Context, string, string) (*domain.Message, error) {
	return nil, out.ErrNotFound
}
func (p *stubProvider) FetchAttachment(context.Context, string, string, string) ([]byte, error) {
	return p.data, nil
}

type stubFactory struct{ p out.EmailProviderPort }

func (f stubFactory) For(domain.Provider) (out.EmailProviderPort, error) { return f.p, nil }

type stubCredentials struct{}

func (stubCredentials) StoreInitialCredential(context.Context, uuid.UUID, domain.Provider, string, string, int64) error {
	return nil
}
func (stubCredentials) GetAccessToken(context.Context, uuid.UUID, domain.Provider) (string, error) {
	return "token", nil
}
func (stubCredentials) Invalidate(context.Context, uuid.UUID, domain.Provider) error { return nil }

type stubLLM struct {
	visionText   string
	classifyType domain.DocumentType
	fields       map[string]string
	visionCalls  int
	extractCalls int
}

func (s *stubLLM) QualifyMessage(context.Context, uuid.UUID, string, string, string) (*out.QualificationVerdict, error) {
	return nil, nil
}
func (s *stubLLM) ClassifyDocument(context.Context, uuid.UUID, string) (*out.Classification, error) {
	return &out.Classification{DocumentType: s.classifyType, Confidence: 0.9}, nil
}
func (s *stubLLM) ExtractFields(context.Context, uuid.UUID, domain.DocumentType, string) (*out.FieldExtraction, error) {
	s.extractCalls++
	return &out.FieldExtraction{Fields: s.fields, Confidence: 0.9}, nil
}
func (s *stubLLM) VisionExtract(context.Context, uuid.UUID, string, []byte) (string, error) {
	s.visionCalls++
	return s.visionText, nil
}

type memTemplateRepo struct{}

func (memTemplateRepo) Lookup(context.Context, domain.TemplateKey) (*domain.Template, error) {
	return nil, out.ErrNotFound
}
func (memTemplateRepo) Store(context.Context, *domain.Template) error        { return nil }
func (memTemplateRepo) Touch(context.Context, int64) error                   { return nil }
func (memTemplateRepo) RecordFailure(context.Context, int64) (int, error)    { return 1, nil }
func (memTemplateRepo) Invalidate(context.Context, domain.TemplateKey) error { return nil }
func (memTemplateRepo) PurgeIdle(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type fixture struct {
	svc   *Service
	docs  *memDocs
	links *memLinks
	txns  *memTransactions
	llm   *stubLLM
}

func newPipelineFixture(policy CostPolicy, userID uuid.UUID, attachment domain.AttachmentRef, msg *domain.Message, providerData []byte, llm *stubLLM) *fixture {
	docs := newMemDocs()
	links := &memLinks{}
	txns := &memTransactions{byDoc: map[int64][]domain.Transaction{}}
	svc := NewService(
		Config{Policy: policy, Owner: "test-worker"},
		&memMessages{msgs: map[int64]*domain.Message{msg.ID: msg}},
		&memAttachments{refs: map[int64]*domain.AttachmentRef{attachment.ID: &attachment}},
		docs,
		&memParties{byNorm: map[string]*domain.Party{}},
		txns,
		links,
		newMemBlobs(),
		nil,
		stubFactory{p: &stubProvider{data: providerData}},
		stubCredentials{},
		llm,
		template.NewService(memTemplateRepo{}, 90),
	)
	return &fixture{svc: svc, docs: docs, links: links, txns: txns, llm: llm}
}

const visionInvoiceText = `Invoice Number: V-100
Bill To: Test User
Vendor: Acme Corp
Total: $250.00
`

func testMessage(userID uuid.UUID) *domain.Message {
	return &domain.Message{
		ID: 5, UserID: userID, Provider: domain.ProviderGmail,
		ProviderMessageID: "pm-1", Sender: "billing@acme.com",
	}
}

func pngAttachment(userID uuid.UUID) domain.AttachmentRef {
	return domain.AttachmentRef{
		ID: 9, UserID: userID, MessageID: 5,
		ProviderAttachmentID: "pa-1", Filename: "scan.png", MimeType: "image/png",
	}
}

func TestProcessAttachmentImageSkippedUnderConservativePolicy(t *testing.T) {
	userID := uuid.New()
	llm := &stubLLM{}
	f := newPipelineFixture(PolicyConservative, userID, pngAttachment(userID), testMessage(userID), []byte("png-bytes"), llm)

	if err := f.svc.ProcessAttachment(context.Background(), userID, 5, 9); err != nil {
		t.Fatalf("skip must consume the job: %v", err)
	}

	doc, _ := f.docs.GetByID(context.Background(), userID, 1)
	if doc.ExtractionStatus != domain.ExtractionSkipped {
		t.Fatalf("status = %s, want skipped", doc.ExtractionStatus)
	}
	if doc.SkippedReason != "image_skipped_by_cost_policy" {
		t.Errorf("reason = %q", doc.SkippedReason)
	}
	if llm.visionCalls != 0 {
		t.Error("conservative policy must not pay for vision")
	}
}

func TestProcessAttachmentImageExtractedUnderQualityPolicy(t *testing.T) {
	userID := uuid.New()
	llm := &stubLLM{
		visionText: visionInvoiceText,
		fields: map[string]string{
			domain.FieldTotalAmount: "250.00",
			domain.FieldVendorName:  "Acme Corp",
			domain.FieldCurrency:    "USD",
		},
	}
	f := newPipelineFixture(PolicyQuality, userID, pngAttachment(userID), testMessage(userID), []byte("png-bytes"), llm)

	if err := f.svc.ProcessAttachment(context.Background(), userID, 5, 9); err != nil {
		t.Fatal(err)
	}

	doc, _ := f.docs.GetByID(context.Background(), userID, 1)
	if doc.ExtractionStatus != domain.ExtractionCompleted {
		t.Fatalf("status = %s, want extracted (last error %+v)", doc.ExtractionStatus, doc.LastError)
	}
	if doc.ExtractionMethod != domain.MethodVisionOCR {
		t.Errorf("method = %s, want vision_ocr", doc.ExtractionMethod)
	}
	if doc.DocumentType != domain.DocInvoice {
		t.Errorf("type = %s, want invoice", doc.DocumentType)
	}
	if doc.SenderDomain != "acme.com" {
		t.Errorf("sender domain = %q", doc.SenderDomain)
	}

	txns := f.txns.byDoc[doc.ID]
	if len(txns) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txns))
	}
	if txns[0].Amount.String() != "250.00" {
		t.Errorf("amount = %s, want 250.00", txns[0].Amount.String())
	}
	if txns[0].Currency != "USD" || txns[0].Kind != domain.TxnInvoice {
		t.Errorf("currency/kind = %s/%s", txns[0].Currency, txns[0].Kind)
	}
	if txns[0].PartyID == nil {
		t.Error("transaction should resolve a party")
	}
	if len(f.links.links) != 1 {
		t.Errorf("links = %d, want 1", len(f.links.links))
	}
}

func TestProcessAttachmentDuplicateContentLinksOnly(t *testing.T) {
	userID := uuid.New()
	data := []byte("same-bytes")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	llm := &stubLLM{visionText: visionInvoiceText, fields: map[string]string{
		domain.FieldTotalAmount: "250.00",
		domain.FieldVendorName:  "Acme Corp",
	}}
	f := newPipelineFixture(PolicyQuality, userID, pngAttachment(userID), testMessage(userID), data, llm)

	// Seed an already-completed document with the same content hash.
	prevAttachment := int64(900)
	seed, _ := f.docs.CreateQueued(context.Background(), userID, prevAttachment, "acme.com")
	tok, _ := f.docs.AcquireLease(context.Background(), seed.ID, "seeder", time.Minute)
	_ = f.docs.SetContentHash(context.Background(), tok, hash, "blob:"+hash)
	_ = f.docs.MarkCompleted(context.Background(), tok)
	_ = f.docs.ReleaseLease(context.Background(), tok)

	if err := f.svc.ProcessAttachment(context.Background(), userID, 5, 9); err != nil {
		t.Fatalf("duplicate must consume the job: %v", err)
	}

	doc, _ := f.docs.GetByID(context.Background(), userID, 2)
	if doc.ExtractionStatus != domain.ExtractionSkipped || doc.SkippedReason != "duplicate" {
		t.Errorf("status/reason = %s/%q, want skipped/duplicate", doc.ExtractionStatus, doc.SkippedReason)
	}
	if len(f.links.links) != 1 || f.links.links[0].DocumentID != seed.ID {
		t.Errorf("message should link to the existing document, links = %+v", f.links.links)
	}
	if llm.visionCalls != 0 || llm.extractCalls != 0 {
		t.Error("duplicate must not pay for extraction")
	}
}

func TestProcessAttachmentDuplicateBehindFailedSibling(t *testing.T) {
	userID := uuid.New()
	data := []byte("same-bytes")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	llm := &stubLLM{visionText: visionInvoiceText, fields: map[string]string{
		domain.FieldTotalAmount: "250.00",
		domain.FieldVendorName:  "Acme Corp",
	}}
	f := newPipelineFixture(PolicyQuality, userID, pngAttachment(userID), testMessage(userID), data, llm)

	// A failed attempt with the same hash sits at a lower id than the
	// completed one; the lookup must still surface the completed row.
	failed, _ := f.docs.CreateQueued(context.Background(), userID, 900, "acme.com")
	ftok, _ := f.docs.AcquireLease(context.Background(), failed.ID, "seeder", time.Minute)
	_ = f.docs.SetContentHash(context.Background(), ftok, hash, "blob:"+hash)
	_ = f.docs.SetStatus(context.Background(), ftok, domain.ExtractionFailed)
	_ = f.docs.ReleaseLease(context.Background(), ftok)

	done, _ := f.docs.CreateQueued(context.Background(), userID, 901, "acme.com")
	dtok, _ := f.docs.AcquireLease(context.Background(), done.ID, "seeder", time.Minute)
	_ = f.docs.SetContentHash(context.Background(), dtok, hash, "blob:"+hash)
	_ = f.docs.MarkCompleted(context.Background(), dtok)
	_ = f.docs.ReleaseLease(context.Background(), dtok)

	if err := f.svc.ProcessAttachment(context.Background(), userID, 5, 9); err != nil {
		t.Fatalf("duplicate must consume the job: %v", err)
	}

	doc, _ := f.docs.GetByID(context.Background(), userID, 3)
	if doc.ExtractionStatus != domain.ExtractionSkipped || doc.SkippedReason != "duplicate" {
		t.Errorf("status/reason = %s/%q, want skipped/duplicate", doc.ExtractionStatus, doc.SkippedReason)
	}
	if len(f.links.links) != 1 || f.links.links[0].DocumentID != done.ID {
		t.Errorf("message should link to the completed sibling, links = %+v", f.links.links)
	}
	if llm.visionCalls != 0 || llm.extractCalls != 0 {
		t.Error("duplicate must not re-extract")
	}
}

func TestProcessAttachmentOutOfScopeSkipped(t *testing.T) {
	userID := uuid.New()
	llm := &stubLLM{visionText: "holiday party photos and nothing else", classifyType: domain.DocOther}
	f := newPipelineFixture(PolicyQuality, userID, pngAttachment(userID), testMessage(userID), []byte("png"), llm)

	if err := f.svc.ProcessAttachment(context.Background(), userID, 5, 9); err != nil {
		t.Fatal(err)
	}
	doc, _ := f.docs.GetByID(context.Background(), userID, 1)
	if doc.ExtractionStatus != domain.ExtractionSkipped || doc.SkippedReason != "out_of_scope" {
		t.Errorf("status/reason = %s/%q, want skipped/out_of_scope", doc.ExtractionStatus, doc.SkippedReason)
	}
	if llm.extractCalls != 0 {
		t.Error("out of scope documents must not reach field extraction")
	}
}

func TestProcessAttachmentTerminalDocumentNotReprocessed(t *testing.T) {
	userID := uuid.New()
	llm := &stubLLM{visionText: visionInvoiceText, fields: map[string]string{
		domain.FieldTotalAmount: "250.00",
		domain.FieldVendorName:  "Acme Corp",
	}}
	f := newPipelineFixture(PolicyQuality, userID, pngAttachment(userID), testMessage(userID), []byte("png"), llm)

	if err := f.svc.ProcessAttachment(context.Background(), userID, 5, 9); err != nil {
		t.Fatal(err)
	}
	visionAfterFirst := llm.visionCalls

	// Redelivery of the same job.
	if err := f.svc.ProcessAttachment(context.Background(), userID, 5, 9); err != nil {
		t.Fatal(err)
	}
	if llm.visionCalls != visionAfterFirst {
		t.Error("redelivered job must not re-extract a terminal document")
	}
	if len(f.links.links) != 1 {
		t.Errorf("links = %d, want 1 (idempotent)", len(f.links.links))
	}
}

func TestIngestUploadQueuesDocument(t *testing.T) {
	userID := uuid.New()
	llm := &stubLLM{}
	f := newPipelineFixture(PolicyConservative, userID, pngAttachment(userID), testMessage(userID), nil, llm)

	data := []byte("%PDF-1.4 uploaded bytes")
	doc, err := f.svc.IngestUpload(context.Background(), userID, "application/pdf; charset=binary", data)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ExtractionStatus != domain.ExtractionQueued {
		t.Errorf("status = %s, want queued", doc.ExtractionStatus)
	}
	if doc.SourceAttachmentID != nil {
		t.Error("upload document must not reference an attachment")
	}
	hash := sha256.Sum256(data)
	if doc.ContentHash != hex.EncodeToString(hash[:]) {
		t.Errorf("content hash = %s", doc.ContentHash)
	}
	if doc.StorageKey == "" {
		t.Error("upload bytes were not stored")
	}
}

func TestIngestUploadUnsupportedType(t *testing.T) {
	userID := uuid.New()
	llm := &stubLLM{}
	f := newPipelineFixture(PolicyConservative, userID, pngAttachment(userID), testMessage(userID), nil, llm)

	_, err := f.svc.IngestUpload(context.Background(), userID, "text/html", []byte("<html>"))
	if fault.KindOf(err) != fault.KindOutOfScope {
		t.Errorf("kind = %s, want out_of_scope", fault.KindOf(err))
	}

	_, err = f.svc.IngestUpload(context.Background(), userID, "application/pdf", nil)
	if fault.KindOf(err) != fault.KindOutOfScope {
		t.Errorf("empty upload kind = %s, want out_of_scope", fault.KindOf(err))
	}
}

func TestIngestUploadRepeatAfterCompletionReturnsExisting(t *testing.T) {
	userID := uuid.New()
	llm := &stubLLM{}
	f := newPipelineFixture(PolicyConservative, userID, pngAttachment(userID), testMessage(userID), nil, llm)

	data := []byte("%PDF-1.4 same bytes")
	first, err := f.svc.IngestUpload(context.Background(), userID, "application/pdf", data)
	if err != nil {
		t.Fatal(err)
	}
	f.docs.docs[first.ID].ExtractionStatus = domain.ExtractionCompleted

	second, err := f.svc.IngestUpload(context.Background(), userID, "application/pdf", data)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("repeat upload created document %d, want existing %d", second.ID, first.ID)
	}
}
