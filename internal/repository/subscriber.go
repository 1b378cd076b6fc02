package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/drip/internal/models"
	"github.com/google/uuid"
)

type SubscriberRepository struct {
	db *sql.DB
}

func NewSubscriberRepository(db *sql.DB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

const subscriberColumns = `id, email, first_name, locale, status, custom_fields, created_at, confirmed_at`

func scanSubscriber(row interface{ Scan(...any) error }, s *models.Subscriber) error {
	var fields sql.NullString
	var confirmedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.Email, &s.FirstName, &s.Locale, &s.Status, &fields, &s.CreatedAt, &confirmedAt); err != nil {
		return err
	}
	s.ConfirmedAt = timePtr(confirmedAt)
	return decodeJSON(fields, &s.CustomFields)
}

// Create creates a new subscriber. Email uniqueness is case-insensitive.
func (r *SubscriberRepository) Create(ctx context.Context, s *models.Subscriber) error {
	s.ID = uuid.New().String()
	s.Email = strings.TrimSpace(s.Email)
	s.CreatedAt = models.UTC(time.Now())
	if s.Status == "" {
		s.Status = models.SubscriberPending
	}
	if s.Locale == "" {
		s.Locale = "en"
	}

	fields, err := encodeJSON(s.CustomFields, len(s.CustomFields) == 0)
	if err != nil {
		return err
	}

	var confirmedAt any
	if s.ConfirmedAt != nil {
		confirmedAt = models.UTC(*s.ConfirmedAt)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscribers (`+subscriberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Email, s.FirstName, s.Locale, s.Status, fields, s.CreatedAt, confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	return nil
}

// GetByID returns a subscriber by ID
func (r *SubscriberRepository) GetByID(ctx context.Context, id string) (*models.Subscriber, error) {
	s := &models.Subscriber{}
	err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id), s)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByEmail returns a subscriber by email, ignoring case
func (r *SubscriberRepository) GetByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	s := &models.Subscriber{}
	err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE email = ?`, strings.TrimSpace(email)), s)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateStatus changes the subscriber status. Moving to active stamps
// confirmed_at once.
func (r *SubscriberRepository) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscribers SET status = ?,
			confirmed_at = CASE WHEN ? = 'active' AND confirmed_at IS NULL THEN ? ELSE confirmed_at END
		WHERE id = ?`,
		status, status, models.UTC(time.Now()), id)
	return err
}

// UpdateCustomFields replaces the merge-tag fields of a subscriber
func (r *SubscriberRepository) UpdateCustomFields(ctx context.Context, id string, fields map[string]string) error {
	encoded, err := encodeJSON(fields, len(fields) == 0)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, "UPDATE subscribers SET custom_fields = ? WHERE id = ?", encoded, id)
	return err
}

// AddTag attaches a tag by name, creating it when missing. Returns false if
// the subscriber already had it.
func (r *SubscriberRepository) AddTag(ctx context.Context, subscriberID, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("tag name is required")
	}

	if _, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO tags (id, name) VALUES (?, ?)", uuid.New().String(), name,
	); err != nil {
		return false, fmt.Errorf("failed to create tag: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO subscriber_tags (subscriber_id, tag_id, created_at)
		SELECT ?, id, ? FROM tags WHERE name = ?`,
		subscriberID, models.UTC(time.Now()), name)
	if err != nil {
		return false, fmt.Errorf("failed to tag subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveTag detaches a tag by name
func (r *SubscriberRepository) RemoveTag(ctx context.Context, subscriberID, name string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM subscriber_tags
		WHERE subscriber_id = ? AND tag_id IN (SELECT id FROM tags WHERE name = ?)`,
		subscriberID, name)
	return err
}

// TagNames returns the names of all tags a subscriber holds
func (r *SubscriberRepository) TagNames(ctx context.Context, subscriberID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.name FROM subscriber_tags st
		JOIN tags t ON t.id = st.tag_id
		WHERE st.subscriber_id = ?
		ORDER BY t.name`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountTags returns how many of the given tag names the subscriber holds
// and how many distinct non-blank names were asked for
func (r *SubscriberRepository) CountTags(ctx context.Context, subscriberID string, names []string) (held, requested int, err error) {
	names = distinct(names)
	if len(names) == 0 {
		return 0, 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := []any{subscriberID}
	for _, n := range names {
		args = append(args, n)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT t.name) FROM subscriber_tags st
		JOIN tags t ON t.id = st.tag_id
		WHERE st.subscriber_id = ? AND t.name IN (`+placeholders+`)`, args...,
	).Scan(&held)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count tags: %w", err)
	}
	return held, len(names), nil
}

func distinct(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
