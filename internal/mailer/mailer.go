// Package mailer composes sequence emails and hands them to a transport.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Mailer delivers one message. A nil error means the transport accepted it.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// Signer signs composed messages, e.g. with DKIM
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Aligned(from string) bool
	Domain() string
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// sign applies the signer when the sender domain is aligned with it.
// Signing failures fall back to the unsigned message.
func sign(signer Signer, from string, raw []byte, logger *slog.Logger) []byte {
	if signer == nil || !signer.Aligned(from) {
		return raw
	}
	signed, err := signer.Sign(raw)
	if err != nil {
		logger.Warn("DKIM signing failed, sending unsigned", "domain", signer.Domain(), "error", err)
		return raw
	}
	return signed
}

// timeoutMailer bounds every Send with a deadline
type timeoutMailer struct {
	next    Mailer
	timeout time.Duration
}

// WithTimeout wraps a mailer so a hung transport cannot block a tick
func WithTimeout(next Mailer, timeout time.Duration) Mailer {
	if timeout <= 0 {
		return next
	}
	return &timeoutMailer{next: next, timeout: timeout}
}

func (t *timeoutMailer) Send(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := t.next.Send(ctx, msg)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &DeliveryError{Temporary: true, Message: fmt.Sprintf("send timed out after %s: %v", t.timeout, err)}
	}
	return err
}
