package qualification

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

type fakeMessageRepo struct {
	msgs map[int64]*domain.Message
}

func (f *fakeMessageRepo) UpsertMeta(context.Context, *domain.Message) (bool, error) {
	return false, nil
}

func (f *fakeMessageRepo) GetByID(_ context.Context, _ uuid.UUID, id int64) (*domain.Message, error) {
	m, ok := f.msgs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessageRepo) GetByProviderID(context.Context, uuid.UUID, domain.Provider, string) (*domain.Message, error) {
	return nil, out.ErrNotFound
}

func (f *fakeMessageRepo) UpdateBody(context.Context, int64, string, string, string) error {
	return nil
}

func (f *fakeMessageRepo) NeedsBody(context.Context, int64) (bool, error) { return false, nil }

func (f *fakeMessageRepo) WriteQualification(_ context.Context, id int64, qualified bool, stage domain.QualificationStage, confidence float64, reason string) (bool, error) {
	m := f.msgs[id]
	if m.IsQualified != nil {
		return false, nil
	}
	m.IsQualified = &qualified
	m.QualificationStage = stage
	m.QualificationConfidence = confidence
	m.QualificationReason = reason
	return true, nil
}

func (f *fakeMessageRepo) ListRecentQualified(context.Context, uuid.UUID, int) ([]*domain.Message, error) {
	return nil, nil
}

type fakeAttachmentRepo struct{}

func (fakeAttachmentRepo) CreateRefs(_ context.Context, refs []domain.AttachmentRef) ([]domain.AttachmentRef, error) {
	return refs, nil
}
func (fakeAttachmentRepo) GetByID(context.Context, int64) (*domain.AttachmentRef, error) {
	return nil, out.ErrNotFound
}
func (fakeAttachmentRepo) ListByMessage(context.Context, int64) ([]domain.AttachmentRef, error) {
	return nil, nil
}
func (fakeAttachmentRepo) UpdateDownloadState(context.Context, int64, domain.DownloadState) error {
	return nil
}

type fakeProducer struct {
	attachmentJobs []int64
}

func (f *fakeProducer) EnqueueAttachment(_ context.Context, _ uuid.UUID, _ int64, attachmentID int64) (string, error) {
	f.attachmentJobs = append(f.attachmentJobs, attachmentID)
	return uuid.New().String(), nil
}
func (f *fakeProducer) EnqueueDocument(context.Context, uuid.UUID, int64) (string, error) {
	return "", nil
}
func (f *fakeProducer) EnqueueSync(context.Context, uuid.UUID, domain.Provider, bool) (string, error) {
	return "", nil
}
func (f *fakeProducer) Depth(context.Context, string) (int64, error) { return 0, nil }

type fakeAdjudicator struct {
	verdict out.QualificationVerdict
	calls   int
}

func (f *fakeAdjudicator) QualifyMessage(context.Context, uuid.UUID, string, string, string) (*out.QualificationVerdict, error) {
	f.calls++
	v := f.verdict
	return &v, nil
}
func (f *fakeAdjudicator) ClassifyDocument(context.Context, uuid.UUID, string) (*out.Classification, error) {
	return nil, nil
}
func (f *fakeAdjudicator) ExtractFields(context.Context, uuid.UUID, domain.DocumentType, string) (*out.FieldExtraction, error) {
	return nil, nil
}
func (f *fakeAdjudicator) VisionExtract(context.Context, uuid.UUID, string, []byte) (string, error) {
	return "", nil
}

func newFixture(msg *domain.Message) (*Service, *fakeMessageRepo, *fakeProducer, *fakeAdjudicator) {
	repo := &fakeMessageRepo{msgs: map[int64]*domain.Message{msg.ID: msg}}
	producer := &fakeProducer{}
	adjudicator := &fakeAdjudicator{verdict: out.QualificationVerdict{Qualified: true, Confidence: 0.75, Reason: "llm says yes"}}
	svc := NewService(repo, fakeAttachmentRepo{}, producer, adjudicator, nil)
	return svc, repo, producer, adjudicator
}

func pdfAttachment(id int64) domain.AttachmentRef {
	return domain.AttachmentRef{ID: id, MimeType: "application/pdf", Filename: "invoice.pdf"}
}

func TestQualifyMessageGateDecidesWithoutLLM(t *testing.T) {
	userID := uuid.New()
	msg := &domain.Message{
		ID: 1, UserID: userID,
		Subject:     "Invoice #A-1029 from Acme Corp",
		Body:        "see attached",
		Attachments: []domain.AttachmentRef{pdfAttachment(10)},
	}
	svc, _, producer, adjudicator := newFixture(msg)

	got, err := svc.QualifyMessage(context.Background(), userID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Qualified() {
		t.Fatal("should qualify")
	}
	if got.QualificationStage != domain.StageSubject {
		t.Errorf("stage = %s, want subject", got.QualificationStage)
	}
	if got.QualificationReason != "keyword:invoice" {
		t.Errorf("reason = %q, want keyword:invoice", got.QualificationReason)
	}
	if got.QualificationConfidence != 0.9 {
		t.Errorf("confidence = %f, want 0.9", got.QualificationConfidence)
	}
	if adjudicator.calls != 0 {
		t.Error("gate-decided message must not reach the LLM")
	}
	if len(producer.attachmentJobs) != 1 || producer.attachmentJobs[0] != 10 {
		t.Errorf("attachment jobs = %v, want [10]", producer.attachmentJobs)
	}
}

func TestQualifyMessageMixedSignalsGoToLLM(t *testing.T) {
	userID := uuid.New()
	msg := &domain.Message{
		ID: 1, UserID: userID,
		Subject: "Your invoice",
		Body:    "unsubscribe at any time",
	}
	svc, _, _, adjudicator := newFixture(msg)

	got, err := svc.QualifyMessage(context.Background(), userID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if adjudicator.calls != 1 {
		t.Fatalf("adjudicator calls = %d, want 1", adjudicator.calls)
	}
	if got.QualificationStage != domain.StageLLM {
		t.Errorf("stage = %s, want llm", got.QualificationStage)
	}
	if got.QualificationReason != "llm says yes" {
		t.Errorf("reason = %q", got.QualificationReason)
	}
}

func TestQualifyMessageSpamRejectedSkipsAttachments(t *testing.T) {
	userID := uuid.New()
	msg := &domain.Message{
		ID: 1, UserID: userID,
		Subject:     "Congratulations! You won",
		Body:        "claim now",
		Attachments: []domain.AttachmentRef{pdfAttachment(10)},
	}
	svc, _, producer, _ := newFixture(msg)

	got, err := svc.QualifyMessage(context.Background(), userID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Qualified() {
		t.Fatal("spam must not qualify")
	}
	if len(producer.attachmentJobs) != 0 {
		t.Error("rejected message must not enqueue attachments")
	}
}

func TestQualifyMessageIdempotent(t *testing.T) {
	userID := uuid.New()
	decided := true
	msg := &domain.Message{
		ID: 1, UserID: userID,
		Subject:             "Invoice",
		IsQualified:         &decided,
		QualificationStage:  domain.StageSubject,
		QualificationReason: "keyword:invoice",
		Attachments:         []domain.AttachmentRef{pdfAttachment(10)},
	}
	svc, _, producer, adjudicator := newFixture(msg)

	got, err := svc.QualifyMessage(context.Background(), userID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.QualificationReason != "keyword:invoice" {
		t.Errorf("stored decision must stand, got %q", got.QualificationReason)
	}
	if adjudicator.calls != 0 || len(producer.attachmentJobs) != 0 {
		t.Error("re-qualification must not redo work")
	}
}

func TestQualifyMessageUnsupportedAttachmentNotEnqueued(t *testing.T) {
	userID := uuid.New()
	msg := &domain.Message{
		ID: 1, UserID: userID,
		Subject: "Invoice attached",
		Attachments: []domain.AttachmentRef{
			{ID: 10, MimeType: "application/zip", Filename: "archive.zip"},
			{ID: 11, MimeType: "application/pdf", Filename: "invoice.pdf"},
		},
	}
	svc, _, producer, _ := newFixture(msg)

	if _, err := svc.QualifyMessage(context.Background(), userID, 1); err != nil {
		t.Fatal(err)
	}
	if len(producer.attachmentJobs) != 1 || producer.attachmentJobs[0] != 11 {
		t.Errorf("attachment jobs = %v, want [11]", producer.attachmentJobs)
	}
}
