package dkim

import (
	"bytes"
	"crypto"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxzi/drip/internal/email"
)

// signedHeaders are covered by the signature when present
var signedHeaders = []string{
	"From", "Reply-To", "To", "Subject", "Date", "Message-ID",
	"MIME-Version", "Content-Type", "List-Unsubscribe", "List-Unsubscribe-Post",
}

// Signer signs outgoing messages for one domain
type Signer struct {
	key      crypto.Signer
	domain   string
	selector string
}

// NewSigner creates a new DKIM signer
func NewSigner(key crypto.Signer, domain, selector string) *Signer {
	return &Signer{
		key:      key,
		domain:   strings.ToLower(domain),
		selector: selector,
	}
}

// NewSignerFromFile creates a new DKIM signer from a key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}

	return NewSigner(key, domain, selector), nil
}

// Sign prepends a DKIM-Signature header to the message
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             presentHeaders(message),
	}

	var signedMsg bytes.Buffer
	if err := dkim.Sign(&signedMsg, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signedMsg.Bytes(), nil
}

// Aligned reports whether mail from this address may carry our signature:
// the sender domain equals the signing domain or is a subdomain of it.
func (s *Signer) Aligned(from string) bool {
	d := email.ExtractDomain(from)
	return d == s.domain || strings.HasSuffix(d, "."+s.domain)
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// presentHeaders returns the subset of signedHeaders found in the header block
func presentHeaders(message []byte) []string {
	header := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		header = message[:i]
	} else if i := bytes.Index(message, []byte("\n\n")); i >= 0 {
		header = message[:i]
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(header), "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if colon := strings.IndexByte(line, ':'); colon > 0 {
			present[strings.ToLower(strings.TrimSpace(line[:colon]))] = true
		}
	}

	keys := make([]string, 0, len(signedHeaders))
	for _, h := range signedHeaders {
		if present[strings.ToLower(h)] {
			keys = append(keys, h)
		}
	}
	return keys
}
