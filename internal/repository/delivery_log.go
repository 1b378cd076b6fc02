package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/drip/internal/models"
	"github.com/google/uuid"
)

type DeliveryLogRepository struct {
	db *sql.DB
}

func NewDeliveryLogRepository(db *sql.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

const deliveryColumns = `id, subscriber_id, sequence_id, email_type, reference_id, subject, status, error,
	created_at, sent_at, opened_at, clicked_at`

func scanDelivery(row interface{ Scan(...any) error }, e *models.DeliveryLogEntry) error {
	var sequenceID sql.NullString
	var sentAt, openedAt, clickedAt sql.NullTime
	err := row.Scan(&e.ID, &e.SubscriberID, &sequenceID, &e.EmailType, &e.ReferenceID, &e.Subject,
		&e.Status, &e.Error, &e.CreatedAt, &sentAt, &openedAt, &clickedAt)
	if err != nil {
		return err
	}
	e.SequenceID = sequenceID.String
	e.SentAt = timePtr(sentAt)
	e.OpenedAt = timePtr(openedAt)
	e.ClickedAt = timePtr(clickedAt)
	return nil
}

// Create inserts a log row in sending status. The id is the correlation key
// for tracking and unsubscribe links; one is generated when e.ID is empty.
func (r *DeliveryLogRepository) Create(ctx context.Context, e *models.DeliveryLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = models.UTC(e.CreatedAt)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = models.UTC(time.Now())
	}
	if e.EmailType == "" {
		e.EmailType = models.EmailTypeSequence
	}
	e.Status = models.DeliverySending

	var sequenceID any
	if e.SequenceID != "" {
		sequenceID = e.SequenceID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_log (id, subscriber_id, sequence_id, email_type, reference_id, subject, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubscriberID, sequenceID, e.EmailType, e.ReferenceID, e.Subject, e.Status, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery log entry: %w", err)
	}
	return nil
}

// MarkSent moves a sending row to sent
func (r *DeliveryLogRepository) MarkSent(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_log SET status = ?, sent_at = ?, error = ''
		WHERE id = ? AND status = ?`,
		models.DeliverySent, models.UTC(now), id, models.DeliverySending)
	return err
}

// MarkFailed records a transport error. The row stays in sending.
func (r *DeliveryLogRepository) MarkFailed(ctx context.Context, id, errText string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE email_log SET error = ? WHERE id = ? AND status = ?",
		errText, id, models.DeliverySending)
	return err
}

// MarkOpened records an open. Clicked rows keep their status.
func (r *DeliveryLogRepository) MarkOpened(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_log SET status = ?, opened_at = COALESCE(opened_at, ?)
		WHERE id = ? AND status IN (?, ?)`,
		models.DeliveryOpened, models.UTC(now), id, models.DeliverySending, models.DeliverySent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkClicked records a click, which implies an open
func (r *DeliveryLogRepository) MarkClicked(ctx context.Context, id string, now time.Time) (bool, error) {
	t := models.UTC(now)
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_log SET status = ?, opened_at = COALESCE(opened_at, ?), clicked_at = COALESCE(clicked_at, ?)
		WHERE id = ?`,
		models.DeliveryClicked, t, t, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetByID returns a log entry by ID
func (r *DeliveryLogRepository) GetByID(ctx context.Context, id string) (*models.DeliveryLogEntry, error) {
	e := &models.DeliveryLogEntry{}
	err := scanDelivery(r.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM email_log WHERE id = ?`, id), e)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListBySubscriber returns the newest log entries of a subscriber
func (r *DeliveryLogRepository) ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]models.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM email_log
		WHERE subscriber_id = ? ORDER BY created_at DESC, id LIMIT ?`, subscriberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.DeliveryLogEntry{}
	for rows.Next() {
		var e models.DeliveryLogEntry
		if err := scanDelivery(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasEngagement reports whether the subscriber opened or clicked any
// delivery of the given step
func (r *DeliveryLogRepository) HasEngagement(ctx context.Context, subscriberID, stepID string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_log
			WHERE subscriber_id = ? AND reference_id = ? AND email_type = ? AND status IN (?, ?)
		)`,
		subscriberID, stepID, models.EmailTypeSequence, models.DeliveryOpened, models.DeliveryClicked,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check engagement: %w", err)
	}
	return exists == 1, nil
}

// StepStats returns per-step delivery counts and rates of a sequence
func (r *DeliveryLogRepository) StepStats(ctx context.Context, sequenceID string) ([]models.StepStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT se.id, se.position, se.subject,
			COUNT(l.id),
			COALESCE(SUM(CASE WHEN l.status IN ('sent', 'opened', 'clicked') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN l.status IN ('opened', 'clicked') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN l.status = 'clicked' THEN 1 ELSE 0 END), 0)
		FROM sequence_emails se
		LEFT JOIN email_log l ON l.reference_id = se.id AND l.email_type = ?
		WHERE se.sequence_id = ?
		GROUP BY se.id, se.position, se.subject
		ORDER BY se.position`, models.EmailTypeSequence, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []models.StepStats{}
	for rows.Next() {
		var s models.StepStats
		if err := rows.Scan(&s.StepID, &s.Position, &s.Subject, &s.Attempts, &s.Sent, &s.Opened, &s.Clicked); err != nil {
			return nil, err
		}
		if s.Sent > 0 {
			s.OpenRate = float64(s.Opened) / float64(s.Sent)
			s.ClickRate = float64(s.Clicked) / float64(s.Sent)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// DeleteOlderThan removes log rows created before the cutoff
func (r *DeliveryLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM email_log WHERE created_at < ?", models.UTC(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
