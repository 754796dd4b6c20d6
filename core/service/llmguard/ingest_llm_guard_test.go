package llmguard

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

type scriptedLLM struct {
	err   error
	calls int
}

func (s *scriptedLLM) QualifyMessage(context.Context, string, string, string) (*out.QualificationVerdict, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &out.QualificationVerdict{Qualified: true, Confidence: 0.8, Reason: "test"}, nil
}

func (s *scriptedLLM) ClassifyDocument(context.Context, string) (*out.Classification, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &out.Classification{DocumentType: domain.DocInvoice, Confidence: 0.9}, nil
}

func (s *scriptedLLM) ExtractFields(context.Context, domain.DocumentType, string) (*out.FieldExtraction, error) {
	s.calls++
	return nil, s.err
}

func (s *scriptedLLM) VisionExtract(context.Context, string, []byte) (string, error) {
	s.calls++
	return "", s.err
}

func (s *scriptedLLM) EstimateCost(string, int) float64 { return 0.001 }

// Generous limits so only the breaker is under test.
func permissiveConfig() Config {
	return Config{PerUserRPM: 6000, GlobalRPM: 60000, DailyDollarCap: 100}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &scriptedLLM{err: fault.New(fault.KindLLMTransient, "upstream down")}
	guard := New(inner, nil, permissiveConfig())
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		if _, err := guard.ClassifyDocument(context.Background(), userID, "text"); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	callsBefore := inner.calls

	_, err := guard.ClassifyDocument(context.Background(), userID, "text")
	if fault.KindOf(err) != fault.KindLLMTransient {
		t.Fatalf("kind = %s, want llm_transient", fault.KindOf(err))
	}
	if inner.calls != callsBefore {
		t.Error("open breaker must not reach the upstream model")
	}
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	inner := &scriptedLLM{}
	guard := New(inner, nil, permissiveConfig())
	userID := uuid.New()

	for i := 0; i < 10; i++ {
		if _, err := guard.QualifyMessage(context.Background(), userID, "a@b.c", "Invoice", "total due"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if inner.calls != 10 {
		t.Errorf("calls = %d, want 10", inner.calls)
	}
}

func TestGuardPassesThroughVerdict(t *testing.T) {
	guard := New(&scriptedLLM{}, nil, permissiveConfig())

	verdict, err := guard.QualifyMessage(context.Background(), uuid.New(), "a@b.c", "Invoice", "total due")
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Qualified || verdict.Confidence != 0.8 {
		t.Errorf("unexpected verdict %+v", verdict)
	}
}
