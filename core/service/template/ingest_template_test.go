package template

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

const invoiceJan = `ACME CORP
123 Main Street

Invoice Number: A-1029
Issue Date: 2026-01-15
Due Date: 2026-02-15

Vendor: Acme Corp
Total: $1,234.56
`

const invoiceFeb = `ACME CORP
123 Main Street

Invoice Number: A-1107
Issue Date: 2026-02-15
Due Date: 2026-03-15

Vendor: Acme Corp
Total: $2,000.00
`

const statementLayout = `FIRST NATIONAL BANK
Statement Period 2026-01-01 to 2026-01-31
Account ****1234
Opening Balance 5,000.00
Closing Balance 4,200.00
`

func TestFingerprintStableAcrossValues(t *testing.T) {
	a := Fingerprint(invoiceJan)
	b := Fingerprint(invoiceFeb)
	if a != b {
		t.Errorf("same layout with different values must fingerprint equal: %x vs %x", a, b)
	}
}

func TestFingerprintDistinguishesLayouts(t *testing.T) {
	if Fingerprint(invoiceJan) == Fingerprint(statementLayout) {
		t.Error("different layouts must not collide")
	}
}

func TestSynthesizeApplyRoundTrip(t *testing.T) {
	fields := map[string]string{
		domain.FieldTotalAmount:   "1,234.56",
		domain.FieldVendorName:    "Acme Corp",
		domain.FieldInvoiceNumber: "A-1029",
		domain.FieldIssueDate:     "2026-01-15",
	}
	rules := Synthesize(fields, invoiceJan)
	if len(rules) < 2 {
		t.Fatalf("expected rules for at least required fields, got %d", len(rules))
	}

	tpl := &domain.Template{Rules: rules}

	// The recipe must transfer to the next month's invoice.
	got, ratio := Apply(tpl, invoiceFeb)
	if !Verify(got, ratio) {
		t.Fatalf("template did not verify on sibling document: fields=%v ratio=%f", got, ratio)
	}
	if got[domain.FieldTotalAmount] != "2,000.00" {
		t.Errorf("total = %q, want 2,000.00", got[domain.FieldTotalAmount])
	}
	if got[domain.FieldInvoiceNumber] != "A-1107" {
		t.Errorf("invoice number = %q, want A-1107", got[domain.FieldInvoiceNumber])
	}
}

func TestVerifyRejectsMissingRequiredFields(t *testing.T) {
	fields := map[string]string{domain.FieldInvoiceNumber: "A-1029"}
	if Verify(fields, 1.0) {
		t.Error("missing total_amount and vendor_name must not verify")
	}
}

func TestVerifyRejectsLowMatchRatio(t *testing.T) {
	fields := map[string]string{
		domain.FieldTotalAmount: "10.00",
		domain.FieldVendorName:  "Acme",
	}
	if Verify(fields, 0.5) {
		t.Error("match ratio below 0.7 must not verify")
	}
	if !Verify(fields, 0.75) {
		t.Error("match ratio above 0.7 with required fields must verify")
	}
}

func TestVerifyRejectsImplausibleAmount(t *testing.T) {
	fields := map[string]string{
		domain.FieldTotalAmount: "n/a",
		domain.FieldVendorName:  "Acme",
	}
	if Verify(fields, 1.0) {
		t.Error("non-numeric total must not verify")
	}
}

type fakeTemplateRepo struct {
	tpl         *domain.Template
	streak      int
	invalidated bool
	touched     bool
	stored      *domain.Template
}

func (f *fakeTemplateRepo) Lookup(context.Context, domain.TemplateKey) (*domain.Template, error) {
	if f.tpl == nil || f.invalidated {
		return nil, out.ErrNotFound
	}
	return f.tpl, nil
}
func (f *fakeTemplateRepo) Store(_ context.Context, tpl *domain.Template) error {
	f.stored = tpl
	return nil
}
func (f *fakeTemplateRepo) Touch(context.Context, int64) error {
	f.touched = true
	f.streak = 0
	return nil
}
func (f *fakeTemplateRepo) RecordFailure(context.Context, int64) (int, error) {
	f.streak++
	return f.streak, nil
}
func (f *fakeTemplateRepo) Invalidate(context.Context, domain.TemplateKey) error {
	f.invalidated = true
	return nil
}
func (f *fakeTemplateRepo) PurgeIdle(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func TestTryExtractInvalidatesAfterThreeFailures(t *testing.T) {
	// A template whose rules never match this text.
	repo := &fakeTemplateRepo{tpl: &domain.Template{
		ID:    1,
		Rules: []domain.FieldRule{{Field: domain.FieldTotalAmount, Pattern: `Grand Total[:\s]*([0-9.,]+)`}},
	}}
	svc := NewService(repo, 90)
	key := domain.TemplateKey{UserID: uuid.New(), SenderDomain: "acme.com", DocumentType: domain.DocInvoice}

	for i := 0; i < 3; i++ {
		fields, ok, err := svc.TryExtract(context.Background(), key, "unrelated text")
		if err != nil {
			t.Fatal(err)
		}
		if ok || fields != nil {
			t.Fatal("mismatched template must not produce fields")
		}
	}
	if !repo.invalidated {
		t.Error("three consecutive failures must invalidate the template")
	}
}

func TestTryExtractHitTouchesTemplate(t *testing.T) {
	fields := map[string]string{
		domain.FieldTotalAmount: "1,234.56",
		domain.FieldVendorName:  "Acme Corp",
	}
	rules := Synthesize(fields, invoiceJan)
	repo := &fakeTemplateRepo{tpl: &domain.Template{ID: 1, Rules: rules}}
	svc := NewService(repo, 90)

	got, ok, err := svc.TryExtract(context.Background(), domain.TemplateKey{}, invoiceFeb)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("template should apply to the sibling invoice")
	}
	if !repo.touched {
		t.Error("verified hit must refresh last_used_at")
	}
	if got[domain.FieldVendorName] != "Acme Corp" {
		t.Errorf("vendor = %q", got[domain.FieldVendorName])
	}
}

func TestLearnStoresRoundTrippableTemplate(t *testing.T) {
	repo := &fakeTemplateRepo{}
	svc := NewService(repo, 90)
	key := domain.TemplateKey{UserID: uuid.New(), SenderDomain: "acme.com", DocumentType: domain.DocInvoice, LayoutFingerprint: Fingerprint(invoiceJan)}

	fields := map[string]string{
		domain.FieldTotalAmount: "1,234.56",
		domain.FieldVendorName:  "Acme Corp",
	}
	if err := svc.Learn(context.Background(), key, fields, invoiceJan); err != nil {
		t.Fatal(err)
	}
	if repo.stored == nil {
		t.Fatal("template should be stored")
	}
	if repo.stored.LayoutFingerprint != key.LayoutFingerprint {
		t.Error("stored template must carry the layout fingerprint")
	}
}

func TestLearnSkipsUnlocatableFields(t *testing.T) {
	repo := &fakeTemplateRepo{}
	svc := NewService(repo, 90)

	// Values that never appear in the text produce no rules.
	fields := map[string]string{
		domain.FieldTotalAmount: "999999.99",
		domain.FieldVendorName:  "Nonexistent Vendor",
	}
	if err := svc.Learn(context.Background(), domain.TemplateKey{}, fields, invoiceJan); err != nil {
		t.Fatal(err)
	}
	if repo.stored != nil {
		t.Error("unlocatable fields must not produce a stored template")
	}
}
