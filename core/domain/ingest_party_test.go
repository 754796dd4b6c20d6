package domain

import "testing"

func TestNormalizePartyName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Acme Corp", "acme corp"},
		{"punctuation stripped", "Acme, Corp.", "acme corp"},
		{"collapsed whitespace", "Acme \t  Corp", "acme corp"},
		{"symbols become separators", "AT&T Mobility", "at t mobility"},
		{"leading and trailing noise", "  ***Acme*** ", "acme"},
		{"unicode letters kept", "Café Müller GmbH", "café müller gmbh"},
		{"empty", "", ""},
		{"only punctuation", "-- ~~ !!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePartyName(tt.in); got != tt.want {
				t.Errorf("NormalizePartyName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizePartyNameIdempotent(t *testing.T) {
	in := "Stripe, Inc. (payments)"
	once := NormalizePartyName(in)
	twice := NormalizePartyName(once)
	if once != twice {
		t.Errorf("normalization not idempotent: %q vs %q", once, twice)
	}
}

func TestAttachmentSupported(t *testing.T) {
	tests := []struct {
		mime      string
		supported bool
		image     bool
	}{
		{"application/pdf", true, false},
		{"image/png", true, true},
		{"image/tiff", true, true},
		{"text/calendar", false, false},
		{"application/zip", false, false},
	}

	for _, tt := range tests {
		a := AttachmentRef{MimeType: tt.mime}
		if got := a.Supported(); got != tt.supported {
			t.Errorf("Supported(%s) = %v, want %v", tt.mime, got, tt.supported)
		}
		if got := a.IsImage(); got != tt.image {
			t.Errorf("IsImage(%s) = %v, want %v", tt.mime, got, tt.image)
		}
	}
}

func TestExtractionStatusTerminal(t *testing.T) {
	terminal := []ExtractionStatus{ExtractionCompleted, ExtractionSkipped, ExtractionFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ExtractionStatus{ExtractionQueued, ExtractionFetching, ExtractionPopulating} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
