package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/drip/internal/models"
	"github.com/google/uuid"
)

type SequenceRepository struct {
	db *sql.DB
}

func NewSequenceRepository(db *sql.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

const sequenceColumns = `id, name, kind, locale, status, trigger_tag, created_at, updated_at`

func scanSequence(row interface{ Scan(...any) error }, s *models.Sequence) error {
	return row.Scan(&s.ID, &s.Name, &s.Kind, &s.Locale, &s.Status, &s.TriggerTag, &s.CreatedAt, &s.UpdatedAt)
}

// Create creates a new sequence. A zero CreatedAt is set to now.
func (r *SequenceRepository) Create(ctx context.Context, s *models.Sequence) error {
	s.ID = uuid.New().String()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.CreatedAt = models.UTC(s.CreatedAt)
	s.UpdatedAt = s.CreatedAt
	if s.Status == "" {
		s.Status = models.SequenceDraft
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sequences (`+sequenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Kind, s.Locale, s.Status, s.TriggerTag, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sequence: %w", err)
	}
	return nil
}

// GetByID returns a sequence by ID
func (r *SequenceRepository) GetByID(ctx context.Context, id string) (*models.Sequence, error) {
	s := &models.Sequence{}
	err := scanSequence(r.db.QueryRowContext(ctx, `
		SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`, id), s)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// List returns sequences with optional filtering
func (r *SequenceRepository) List(ctx context.Context, filter models.SequenceListFilter) ([]models.Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences WHERE 1=1`
	args := []any{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Locale != "" {
		query += " AND locale = ?"
		args = append(args, filter.Locale)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sequences := []models.Sequence{}
	for rows.Next() {
		var s models.Sequence
		if err := scanSequence(rows, &s); err != nil {
			return nil, err
		}
		sequences = append(sequences, s)
	}
	return sequences, rows.Err()
}

// FindActiveByKind returns the active sequence for a funnel kind and locale.
// When several match, the oldest wins.
func (r *SequenceRepository) FindActiveByKind(ctx context.Context, kind, locale string) (*models.Sequence, error) {
	s := &models.Sequence{}
	err := scanSequence(r.db.QueryRowContext(ctx, `
		SELECT `+sequenceColumns+` FROM sequences
		WHERE kind = ? AND locale = ? AND status = ?
		ORDER BY created_at, id LIMIT 1`,
		kind, locale, models.SequenceActive), s)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListActiveByTriggerTag returns active sequences started by a tag
func (r *SequenceRepository) ListActiveByTriggerTag(ctx context.Context, tag, locale string) ([]models.Sequence, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sequenceColumns+` FROM sequences
		WHERE trigger_tag = ? AND locale = ? AND status = ?
		ORDER BY created_at, id`,
		tag, locale, models.SequenceActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sequences := []models.Sequence{}
	for rows.Next() {
		var s models.Sequence
		if err := scanSequence(rows, &s); err != nil {
			return nil, err
		}
		sequences = append(sequences, s)
	}
	return sequences, rows.Err()
}

// UpdateStatus activates, pauses or drafts a sequence
func (r *SequenceRepository) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sequences SET status = ?, updated_at = ? WHERE id = ?",
		status, models.UTC(time.Now()), id)
	return err
}

// Delete deletes a sequence; steps and enrollments cascade
func (r *SequenceRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sequences WHERE id = ?", id)
	return err
}

const stepColumns = `id, sequence_id, position, subject, body, subject_am, body_am, subject_en, body_en,
	delay_days, delay_hours, conditions, attachments, created_at`

func scanStep(row interface{ Scan(...any) error }, st *models.SequenceStep) error {
	var conditions, attachments sql.NullString
	err := row.Scan(&st.ID, &st.SequenceID, &st.Position, &st.Subject, &st.Body,
		&st.SubjectAM, &st.BodyAM, &st.SubjectEN, &st.BodyEN,
		&st.DelayDays, &st.DelayHours, &conditions, &attachments, &st.CreatedAt)
	if err != nil {
		return err
	}
	if conditions.Valid {
		st.Conditions = &models.Conditions{}
		if err := decodeJSON(conditions, st.Conditions); err != nil {
			return err
		}
	}
	return decodeJSON(attachments, &st.Attachments)
}

// AddStep appends a step. A zero position means after the current last step.
func (r *SequenceRepository) AddStep(ctx context.Context, st *models.SequenceStep) error {
	st.ID = uuid.New().String()
	st.CreatedAt = models.UTC(time.Now())

	if st.Position == 0 {
		var last int
		err := r.db.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(position), 0) FROM sequence_emails WHERE sequence_id = ?", st.SequenceID,
		).Scan(&last)
		if err != nil {
			return fmt.Errorf("failed to get last step position: %w", err)
		}
		st.Position = last + 1
	}

	conditions, err := encodeJSON(st.Conditions, st.Conditions.IsEmpty())
	if err != nil {
		return err
	}
	attachments, err := encodeJSON(st.Attachments, len(st.Attachments) == 0)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sequence_emails (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.SequenceID, st.Position, st.Subject, st.Body,
		st.SubjectAM, st.BodyAM, st.SubjectEN, st.BodyEN,
		st.DelayDays, st.DelayHours, conditions, attachments, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add step: %w", err)
	}
	return nil
}

// GetStep returns the step at an exact position, or nil if there is none
func (r *SequenceRepository) GetStep(ctx context.Context, sequenceID string, position int) (*models.SequenceStep, error) {
	st := &models.SequenceStep{}
	err := scanStep(r.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM sequence_emails
		WHERE sequence_id = ? AND position = ?`, sequenceID, position), st)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListSteps returns all steps of a sequence ordered by position
func (r *SequenceRepository) ListSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM sequence_emails
		WHERE sequence_id = ? ORDER BY position`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []models.SequenceStep{}
	for rows.Next() {
		var st models.SequenceStep
		if err := scanStep(rows, &st); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// DeleteStep removes a step of a sequence and closes the position gap.
// Enrollments past the removed step keep pointing at the same next step.
// It returns false when the sequence has no such step.
func (r *SequenceRepository) DeleteStep(ctx context.Context, sequenceID, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var position int
	err = tx.QueryRowContext(ctx,
		"SELECT position FROM sequence_emails WHERE id = ? AND sequence_id = ?", id, sequenceID).Scan(&position)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sequence_emails WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("failed to delete step: %w", err)
	}

	// one row at a time in ascending order keeps UNIQUE(sequence_id, position) satisfied
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM sequence_emails WHERE sequence_id = ? AND position > ? ORDER BY position", sequenceID, position)
	if err != nil {
		return false, err
	}
	var later []string
	for rows.Next() {
		var stepID string
		if err := rows.Scan(&stepID); err != nil {
			rows.Close()
			return false, err
		}
		later = append(later, stepID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	for _, stepID := range later {
		if _, err := tx.ExecContext(ctx, "UPDATE sequence_emails SET position = position - 1 WHERE id = ?", stepID); err != nil {
			return false, fmt.Errorf("failed to renumber steps: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriber_sequences SET current_step = current_step - 1
		WHERE sequence_id = ? AND status = ? AND current_step >= ?`,
		sequenceID, models.EnrollmentActive, position)
	if err != nil {
		return false, fmt.Errorf("failed to shift enrollments: %w", err)
	}

	return true, tx.Commit()
}
