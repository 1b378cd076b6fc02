package models

import "time"

// Sequence statuses
const (
	SequenceDraft  = "draft"
	SequenceActive = "active"
	SequencePaused = "paused"
)

// Sequence is an ordered drip campaign for one locale and funnel kind
type Sequence struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`   // funnel stage, e.g. pdf, access, course
	Locale     string    `json:"locale"` // en, am
	Status     string    `json:"status"` // draft, active, paused
	TriggerTag string    `json:"trigger_tag,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SequenceStep is one email of a sequence. Position is 1-based and dense.
type SequenceStep struct {
	ID          string       `json:"id"`
	SequenceID  string       `json:"sequence_id"`
	Position    int          `json:"position"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	SubjectAM   string       `json:"subject_am,omitempty"`
	BodyAM      string       `json:"body_am,omitempty"`
	SubjectEN   string       `json:"subject_en,omitempty"`
	BodyEN      string       `json:"body_en,omitempty"`
	DelayDays   int          `json:"delay_days"`
	DelayHours  int          `json:"delay_hours"`
	Conditions  *Conditions  `json:"conditions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Delay returns the step delay relative to the previous send
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Conditions gate a step. All present predicates must hold.
type Conditions struct {
	PreviousEmailOpened bool     `json:"previous_email_opened,omitempty"`
	HasTags             []string `json:"has_tags,omitempty"`
	NotHasTags          []string `json:"not_has_tags,omitempty"`
}

// IsEmpty reports whether no predicate is declared
func (c *Conditions) IsEmpty() bool {
	return c == nil || (!c.PreviousEmailOpened && len(c.HasTags) == 0 && len(c.NotHasTags) == 0)
}

// Attachment references a file sent with a step. Path is a local path
// relative to the attachments base dir or an s3://bucket/key URL.
type Attachment struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// SequenceListFilter for filtering sequences
type SequenceListFilter struct {
	Kind   string
	Locale string
	Status string
	Limit  int
	Offset int
}
