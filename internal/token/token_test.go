package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSignVerify(t *testing.T) {
	signer := NewSigner(testSecret, "drip")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tok, err := signer.Sign(Unsubscribe{SubscriberID: "sub-1", SequenceID: "seq-1", LogID: "log-1"}, now)
	require.NoError(t, err)

	got, err := signer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, &Unsubscribe{SubscriberID: "sub-1", SequenceID: "seq-1", LogID: "log-1"}, got)
}

func TestSignRequiresScope(t *testing.T) {
	signer := NewSigner(testSecret, "drip")
	_, err := signer.Sign(Unsubscribe{SubscriberID: "sub-1"}, time.Now())
	assert.Error(t, err)
}

func TestVerifyRejects(t *testing.T) {
	signer := NewSigner(testSecret, "drip")
	tok, err := signer.Sign(Unsubscribe{SubscriberID: "sub-1", SequenceID: "seq-1"}, time.Now())
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	tests := []struct {
		name   string
		signer *Signer
		token  string
	}{
		{"wrong secret", NewSigner("another-secret-another-secret-xx", "drip"), tok},
		{"wrong issuer", NewSigner(testSecret, "other"), tok},
		{"tampered signature", signer, parts[0] + "." + parts[1] + ".AAAA"},
		{"garbage", signer, "not-a-token"},
		{"empty", signer, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.signer.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
