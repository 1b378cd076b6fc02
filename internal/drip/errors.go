package drip

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotEnrolled        = errors.New("subscriber is not actively enrolled in sequence")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrSequenceNotFound   = errors.New("sequence not found")
	ErrUnknownEvent       = errors.New("no transition configured for event")

	// ErrQuotaExceeded means the global sending quota is spent; the tick
	// stops and the enrollment stays due
	ErrQuotaExceeded = errors.New("sending quota exceeded")
)

// domainQuotaError postpones one enrollment whose recipient domain is over quota
type domainQuotaError struct {
	domain     string
	retryAfter time.Duration
}

func (e *domainQuotaError) Error() string {
	return fmt.Sprintf("recipient domain quota exceeded: %s, retry after %s", e.domain, e.retryAfter)
}
