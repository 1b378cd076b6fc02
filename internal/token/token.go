// Package token signs and verifies per-sequence unsubscribe tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, forged or incomplete tokens
var ErrInvalidToken = errors.New("invalid token")

// Claims scope an unsubscribe to one subscriber and one sequence. The
// token ID is the delivery log entry the link was sent in.
type Claims struct {
	SequenceID string `json:"seq"`
	jwt.RegisteredClaims
}

// Unsubscribe is a verified unsubscribe request
type Unsubscribe struct {
	SubscriberID string
	SequenceID   string
	LogID        string
}

// Signer issues and verifies HS256 tokens
type Signer struct {
	secret []byte
	issuer string
}

func NewSigner(secret, issuer string) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer}
}

// Sign issues a token for (subscriber, sequence). Unsubscribe links do not expire.
func (s *Signer) Sign(u Unsubscribe, now time.Time) (string, error) {
	if u.SubscriberID == "" || u.SequenceID == "" {
		return "", fmt.Errorf("subscriber and sequence are required")
	}

	claims := &Claims{
		SequenceID: u.SequenceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  u.SubscriberID,
			ID:       u.LogID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and returns the scoped request
func (s *Signer) Verify(tokenString string) (*Unsubscribe, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.SequenceID == "" {
		return nil, ErrInvalidToken
	}

	return &Unsubscribe{
		SubscriberID: claims.Subject,
		SequenceID:   claims.SequenceID,
		LogID:        claims.ID,
	}, nil
}
