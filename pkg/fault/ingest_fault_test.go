package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      Kind
		wantTransient bool
		wantSkip      bool
	}{
		{
			name:          "rate limited is transient",
			err:           RateLimited("gmail quota", 30*time.Second),
			wantKind:      KindRateLimited,
			wantTransient: true,
		},
		{
			name:          "provider transient",
			err:           New(KindProviderTransient, "503 from graph"),
			wantKind:      KindProviderTransient,
			wantTransient: true,
		},
		{
			name:     "credential revoked is terminal",
			err:      New(KindCredentialRevoked, "invalid_grant"),
			wantKind: KindCredentialRevoked,
		},
		{
			name:     "duplicate is a skip",
			err:      New(KindDuplicate, "content hash already processed"),
			wantKind: KindDuplicate,
			wantSkip: true,
		},
		{
			name:     "unclassified defaults to internal",
			err:      errors.New("boom"),
			wantKind: KindInternal,
		},
		{
			name:          "wrapped fault is still classified",
			err:           fmt.Errorf("fetch attachment: %w", New(KindLLMTransient, "timeout")),
			wantKind:      KindLLMTransient,
			wantTransient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Errorf("KindOf = %s, want %s", got, tt.wantKind)
			}
			if got := IsTransient(tt.err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
			if got := IsSkip(tt.err); got != tt.wantSkip {
				t.Errorf("IsSkip = %v, want %v", got, tt.wantSkip)
			}
		})
	}
}

func TestTraceOf(t *testing.T) {
	err := Wrap(KindEncryptedPDF, "cannot open document", errors.New("AES-128 envelope"))
	trace := TraceOf(err)
	if trace.Kind != KindEncryptedPDF {
		t.Errorf("expected kind %s, got %s", KindEncryptedPDF, trace.Kind)
	}
	if trace.UpstreamDetails != "AES-128 envelope" {
		t.Errorf("unexpected upstream details: %q", trace.UpstreamDetails)
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(New(KindSyncInProgress, "")); got != http.StatusConflict {
		t.Errorf("sync in progress = %d, want 409", got)
	}
	if got := HTTPStatus(New(KindCredentialRevoked, "")); got != http.StatusUnauthorized {
		t.Errorf("credential revoked = %d, want 401", got)
	}
	if got := HTTPStatus(errors.New("x")); got != http.StatusInternalServerError {
		t.Errorf("unknown = %d, want 500", got)
	}
}
