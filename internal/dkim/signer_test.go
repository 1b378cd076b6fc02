package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

const testMessage = "From: News <news@example.com>\r\n" +
	"To: reader@example.org\r\n" +
	"Subject: Welcome\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"List-Unsubscribe: <https://mail.example.com/u/tok>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello there.\r\n"

func TestSign(t *testing.T) {
	for _, algorithm := range []string{AlgorithmRSA, AlgorithmEd25519} {
		t.Run(algorithm, func(t *testing.T) {
			kp, err := GenerateKey(algorithm, "example.com", "drip")
			if err != nil {
				t.Fatal(err)
			}

			signed, err := NewSigner(kp.Key, "Example.com", "drip").Sign([]byte(testMessage))
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
				t.Error("signed message should start with DKIM-Signature header")
			}
			if !bytes.Contains(signed, []byte("Hello there.")) {
				t.Error("signed message should contain original body")
			}

			s := string(signed)
			for _, want := range []string{"d=example.com", "s=drip", "List-Unsubscribe"} {
				if !strings.Contains(s, want) {
					t.Errorf("signature should contain %q", want)
				}
			}
		})
	}
}

func TestPresentHeaders(t *testing.T) {
	got := presentHeaders([]byte(testMessage))
	want := []string{"From", "To", "Subject", "Date", "MIME-Version", "Content-Type", "List-Unsubscribe"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("presentHeaders() = %v, want %v", got, want)
	}
}

func TestAligned(t *testing.T) {
	kp, err := GenerateKey(AlgorithmEd25519, "example.com", "drip")
	if err != nil {
		t.Fatal(err)
	}
	signer := NewSigner(kp.Key, "example.com", "drip")

	tests := []struct {
		from string
		want bool
	}{
		{"news@example.com", true},
		{"News <news@mail.example.com>", true},
		{"news@badexample.com", false},
		{"news@example.org", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		if got := signer.Aligned(tt.from); got != tt.want {
			t.Errorf("Aligned(%q) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestNewSignerFromFile(t *testing.T) {
	kp, err := GenerateKey(AlgorithmRSA, "example.com", "drip")
	if err != nil {
		t.Fatal(err)
	}

	keyPath := filepath.Join(t.TempDir(), "test.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatal(err)
	}

	signer, err := NewSignerFromFile(keyPath, "example.com", "drip")
	if err != nil {
		t.Fatalf("NewSignerFromFile failed: %v", err)
	}
	if signer.Domain() != "example.com" || signer.Selector() != "drip" {
		t.Errorf("signer = %s/%s, want example.com/drip", signer.Domain(), signer.Selector())
	}

	if _, err := NewSignerFromFile("/nonexistent/key.pem", "example.com", "drip"); err == nil {
		t.Error("expected error for non-existent file")
	}
}
