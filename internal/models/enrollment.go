package models

import "time"

// Enrollment statuses
const (
	EnrollmentActive       = "active"
	EnrollmentCompleted    = "completed"
	EnrollmentUnsubscribed = "unsubscribed"
)

// Enrollment is one subscriber's progress through one sequence
type Enrollment struct {
	ID           string     `json:"id"`
	SubscriberID string     `json:"subscriber_id"`
	SequenceID   string     `json:"sequence_id"`
	Status       string     `json:"status"`       // active, completed, unsubscribed
	CurrentStep  int        `json:"current_step"` // number of steps consumed
	NextEmailAt  time.Time  `json:"next_email_at"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// EnrollmentContext is a due enrollment joined with what delivery needs
type EnrollmentContext struct {
	EnrollmentID string
	SubscriberID string
	SequenceID   string
	SequenceName string
	SequenceKind string
	CurrentStep  int
	NextEmailAt  time.Time

	Email        string
	FirstName    string
	Locale       string
	CustomFields map[string]string
}

// NextPosition is the position of the step due next
func (c *EnrollmentContext) NextPosition() int {
	return c.CurrentStep + 1
}
