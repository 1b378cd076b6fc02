package models

import "time"

// Email log types and statuses
const (
	EmailTypeSequence = "sequence"

	DeliverySending = "sending"
	DeliverySent    = "sent"
	DeliveryOpened  = "opened"
	DeliveryClicked = "clicked"
)

// DeliveryLogEntry records one delivery attempt. A row left in sending
// marks an attempt whose transport never confirmed.
type DeliveryLogEntry struct {
	ID           string     `json:"id"`
	SubscriberID string     `json:"subscriber_id"`
	SequenceID   string     `json:"sequence_id,omitempty"`
	EmailType    string     `json:"email_type"`
	ReferenceID  string     `json:"reference_id"` // step id
	Subject      string     `json:"subject"`
	Status       string     `json:"status"` // sending, sent, opened, clicked
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	ClickedAt    *time.Time `json:"clicked_at,omitempty"`
}

// StepStats aggregates delivery log rows of one step
type StepStats struct {
	StepID    string  `json:"step_id"`
	Position  int     `json:"position"`
	Subject   string  `json:"subject"`
	Attempts  int     `json:"attempts"`
	Sent      int     `json:"sent"`
	Opened    int     `json:"opened"`
	Clicked   int     `json:"clicked"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}
