package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	tests := []string{
		"ya29.a0AfB_byAccessToken",
		"1//refresh-token-with-slashes",
		"",
	}

	for _, plaintext := range tests {
		ciphertext, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if plaintext != "" && ciphertext == plaintext {
			t.Errorf("ciphertext equals plaintext for %q", plaintext)
		}
		got, err := enc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip: got %q, want %q", got, plaintext)
		}
	}
}

func TestShortKeyIsStretched(t *testing.T) {
	enc, err := NewEncryptor([]byte("short"))
	if err != nil {
		t.Fatalf("NewEncryptor with short key: %v", err)
	}
	ct, err := enc.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(ct) {
		t.Error("IsEncrypted returned false for fresh ciphertext")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, _ := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if _, err := enc.Decrypt("AAAA"); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
	if _, err := enc.Decrypt("%%%not-base64%%%"); err == nil {
		t.Error("expected error for non-base64 input")
	}
}

func TestIsEncrypted(t *testing.T) {
	if IsEncrypted("plain-token") {
		t.Error("plain token misdetected as encrypted")
	}
	if IsEncrypted("") {
		t.Error("empty string misdetected as encrypted")
	}
}
