package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/drip/internal/models"
	"github.com/google/uuid"
)

type EnrollmentRepository struct {
	db *sql.DB
}

func NewEnrollmentRepository(db *sql.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, subscriber_id, sequence_id, status, current_step, next_email_at, started_at, completed_at`

func scanEnrollment(row interface{ Scan(...any) error }, e *models.Enrollment) error {
	var completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.SubscriberID, &e.SequenceID, &e.Status, &e.CurrentStep,
		&e.NextEmailAt, &e.StartedAt, &completedAt)
	if err != nil {
		return err
	}
	e.CompletedAt = timePtr(completedAt)
	return nil
}

// Create inserts an active enrollment due at nextAt. An existing row for the
// same subscriber and sequence is left untouched and created is false.
func (r *EnrollmentRepository) Create(ctx context.Context, subscriberID, sequenceID string, now, nextAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO subscriber_sequences
			(id, subscriber_id, sequence_id, status, current_step, next_email_at, started_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		uuid.New().String(), subscriberID, sequenceID, models.EnrollmentActive,
		models.UTC(nextAt), models.UTC(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the enrollment of a subscriber in a sequence
func (r *EnrollmentRepository) Get(ctx context.Context, subscriberID, sequenceID string) (*models.Enrollment, error) {
	e := &models.Enrollment{}
	err := scanEnrollment(r.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM subscriber_sequences
		WHERE subscriber_id = ? AND sequence_id = ?`, subscriberID, sequenceID), e)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID returns an enrollment by ID
func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	e := &models.Enrollment{}
	err := scanEnrollment(r.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM subscriber_sequences WHERE id = ?`, id), e)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListBySubscriber returns all enrollments of a subscriber, oldest first
func (r *EnrollmentRepository) ListBySubscriber(ctx context.Context, subscriberID string) ([]models.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+` FROM subscriber_sequences
		WHERE subscriber_id = ? ORDER BY started_at, id`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enrollments := []models.Enrollment{}
	for rows.Next() {
		var e models.Enrollment
		if err := scanEnrollment(rows, &e); err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// SelectDue returns active enrollments whose next send time has passed, in
// active sequences, for active subscribers. Earliest due first.
func (r *EnrollmentRepository) SelectDue(ctx context.Context, now time.Time, limit int) ([]models.EnrollmentContext, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.subscriber_id, e.sequence_id, s.name, s.kind, e.current_step, e.next_email_at,
			sub.email, sub.first_name, COALESCE(NULLIF(sub.locale, ''), s.locale), sub.custom_fields
		FROM subscriber_sequences e
		JOIN sequences s ON s.id = e.sequence_id
		JOIN subscribers sub ON sub.id = e.subscriber_id
		WHERE e.status = ? AND s.status = ? AND sub.status = ? AND e.next_email_at <= ?
		ORDER BY e.next_email_at, e.id
		LIMIT ?`,
		models.EnrollmentActive, models.SequenceActive, models.SubscriberActive, models.UTC(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due enrollments: %w", err)
	}
	defer rows.Close()

	due := []models.EnrollmentContext{}
	for rows.Next() {
		var c models.EnrollmentContext
		var fields sql.NullString
		err := rows.Scan(&c.EnrollmentID, &c.SubscriberID, &c.SequenceID, &c.SequenceName, &c.SequenceKind,
			&c.CurrentStep, &c.NextEmailAt, &c.Email, &c.FirstName, &c.Locale, &fields)
		if err != nil {
			return nil, err
		}
		if err := decodeJSON(fields, &c.CustomFields); err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

// Claim marks an enrollment as being processed at the given step. It fails
// when another worker holds a claim newer than staleBefore or the row moved on.
func (r *EnrollmentRepository) Claim(ctx context.Context, id string, currentStep int, now, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET claimed_at = ?
		WHERE id = ? AND status = ? AND current_step = ?
			AND (claimed_at IS NULL OR claimed_at < ?)`,
		models.UTC(now), id, models.EnrollmentActive, currentStep, models.UTC(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to claim enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops a claim without advancing
func (r *EnrollmentRepository) Release(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE subscriber_sequences SET claimed_at = NULL WHERE id = ?", id)
	return err
}

// Postpone drops a claim and moves the next send time without consuming a step
func (r *EnrollmentRepository) Postpone(ctx context.Context, id string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET next_email_at = ?, claimed_at = NULL
		WHERE id = ? AND status = ?`,
		models.UTC(until), id, models.EnrollmentActive)
	if err != nil {
		return fmt.Errorf("failed to postpone enrollment: %w", err)
	}
	return nil
}

// Advance records the step at position as consumed and schedules the next.
// It never moves current_step backwards.
func (r *EnrollmentRepository) Advance(ctx context.Context, id string, position int, nextAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET current_step = ?, next_email_at = ?, claimed_at = NULL
		WHERE id = ? AND status = ? AND current_step < ?`,
		position, models.UTC(nextAt), id, models.EnrollmentActive, position)
	if err != nil {
		return false, fmt.Errorf("failed to advance enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete finishes an active enrollment. position is the last consumed
// step, zero when the sequence had nothing left to send.
func (r *EnrollmentRepository) Complete(ctx context.Context, id string, position int, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences
		SET status = ?, current_step = MAX(current_step, ?), completed_at = ?, claimed_at = NULL
		WHERE id = ? AND status = ? AND current_step <= ?`,
		models.EnrollmentCompleted, position, models.UTC(now), id, models.EnrollmentActive, maxInt(position, 0))
	if err != nil {
		return false, fmt.Errorf("failed to complete enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteCurrent finishes an active enrollment at whatever step it is on
func (r *EnrollmentRepository) CompleteCurrent(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET status = ?, completed_at = ?, claimed_at = NULL
		WHERE id = ? AND status = ?`,
		models.EnrollmentCompleted, models.UTC(now), id, models.EnrollmentActive)
	if err != nil {
		return false, fmt.Errorf("failed to complete enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Unsubscribe stops the active enrollment of a subscriber in a sequence
func (r *EnrollmentRepository) Unsubscribe(ctx context.Context, subscriberID, sequenceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET status = ?, claimed_at = NULL
		WHERE subscriber_id = ? AND sequence_id = ? AND status = ?`,
		models.EnrollmentUnsubscribed, subscriberID, sequenceID, models.EnrollmentActive)
	if err != nil {
		return false, fmt.Errorf("failed to unsubscribe enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnsubscribeAll stops every active enrollment of a subscriber
func (r *EnrollmentRepository) UnsubscribeAll(ctx context.Context, subscriberID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET status = ?, claimed_at = NULL
		WHERE subscriber_id = ? AND status = ?`,
		models.EnrollmentUnsubscribed, subscriberID, models.EnrollmentActive)
	if err != nil {
		return 0, fmt.Errorf("failed to unsubscribe enrollments: %w", err)
	}
	return res.RowsAffected()
}

// CompleteByKind completes the subscriber's active enrollments in every
// sequence of the given funnel kind
func (r *EnrollmentRepository) CompleteByKind(ctx context.Context, subscriberID, kind string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences SET status = ?, completed_at = ?, claimed_at = NULL
		WHERE subscriber_id = ? AND status = ?
			AND sequence_id IN (SELECT id FROM sequences WHERE kind = ?)`,
		models.EnrollmentCompleted, models.UTC(now), subscriberID, models.EnrollmentActive, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to complete enrollments of kind %s: %w", kind, err)
	}
	return res.RowsAffected()
}

// CountByStatus returns enrollment counts of a sequence per status
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, sequenceID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM subscriber_sequences
		WHERE sequence_id = ? GROUP BY status`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CountActive returns the number of active enrollments across all sequences
func (r *EnrollmentRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subscriber_sequences WHERE status = ?", models.EnrollmentActive,
	).Scan(&n)
	return n, err
}
