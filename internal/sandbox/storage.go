// Package sandbox captures outbound messages in bbolt instead of delivering them.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/drip/internal/email"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSandbox = []byte("sandbox")
	bucketIndex   = []byte("sandbox_index") // message id -> ordering key
)

// Message represents a captured message
type Message struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Data         []byte    `json:"data,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage provides sandbox message storage
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSandbox); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a message. Saving the same id again replaces it.
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		index := tx.Bucket(bucketIndex)

		if old := index.Get([]byte(msg.ID)); old != nil {
			if err := bucket.Delete(old); err != nil {
				return err
			}
		}

		key := makeIndexKey(msg.CapturedAt, msg.ID)
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		if err := bucket.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(msg.ID), key)
	})
}

// Get retrieves a message by ID, nil when it does not exist
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketSandbox).Get(key)
		if data == nil {
			return nil
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msg = &m
		return nil
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	To     string
	Domain string // recipient domain
	Limit  int
	Offset int
}

// List returns messages matching the filter, newest first, without bodies
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.To != "" && msg.To != filter.To {
				continue
			}
			if filter.Domain != "" && email.ExtractDomain(msg.To) != filter.Domain {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.Data = nil
			messages = append(messages, &msg)

			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}

		return nil
	})

	return messages, err
}

// Delete removes a message by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketSandbox).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

// Clear removes messages captured before cutoff. A zero cutoff removes all.
func (s *Storage) Clear(ctx context.Context, cutoff time.Time) (int, error) {
	var count int

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		index := tx.Bucket(bucketIndex)
		c := bucket.Cursor()

		type entry struct{ key, id []byte }
		var toDelete []entry

		// keys are ordered by capture time
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if !cutoff.IsZero() && !msg.CapturedAt.Before(cutoff) {
				break
			}
			toDelete = append(toDelete, entry{key: append([]byte(nil), k...), id: []byte(msg.ID)})
		}

		for _, e := range toDelete {
			if err := bucket.Delete(e.key); err != nil {
				return err
			}
			if err := index.Delete(e.id); err != nil {
				return err
			}
			count++
		}

		return nil
	})

	return count, err
}

// Stats summarizes captured messages
type Stats struct {
	Total     int64            `json:"total"`
	Failed    int64            `json:"failed"`
	ByDomain  map[string]int64 `json:"by_domain"`
	OldestAt  time.Time        `json:"oldest_at,omitempty"`
	NewestAt  time.Time        `json:"newest_at,omitempty"`
	TotalSize int64            `json:"total_size"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByDomain: make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			stats.Total++
			stats.TotalSize += int64(len(v))
			stats.ByDomain[email.ExtractDomainOrDefault(msg.To, "unknown")]++
			if msg.SimulatedErr != "" {
				stats.Failed++
			}

			if stats.OldestAt.IsZero() || msg.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = msg.CapturedAt
			}
			if msg.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = msg.CapturedAt
			}
		}

		return nil
	})

	return stats, err
}

// makeIndexKey orders messages by capture time. UTC keeps the
// lexicographic order equal to the chronological one.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
