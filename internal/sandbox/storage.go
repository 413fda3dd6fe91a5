package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/storage"
)

var bucketSandbox = []byte("sandbox")

// Message kinds
const (
	KindText     = "text"
	KindImage    = "image"
	KindDocument = "document"
)

// Message represents a WhatsApp message captured in sandbox mode
type Message struct {
	ID           string    `json:"id"`
	To           string    `json:"to"`
	Kind         string    `json:"kind"`
	Body         string    `json:"body,omitempty"`
	Filename     string    `json:"filename,omitempty"`
	MIMEType     string    `json:"mime_type,omitempty"`
	Size         int64     `json:"size,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage provides sandbox message storage
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	if err := storage.CreateBuckets(db, bucketSandbox); err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a message in the sandbox
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)

		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put(storage.IndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// Get retrieves a message by ID
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				msg = &m
				return nil
			}
		}
		return nil
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	To     string
	Kind   string
	Limit  int
	Offset int
}

// List returns messages matching the filter, newest first
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
			if filter.Kind != "" && msg.Kind != filter.Kind {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

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
		c := tx.Bucket(bucketSandbox).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if msg.ID == id {
				return c.Delete()
			}
		}
		return nil
	})
}

// Clear removes all messages, or only those older than olderThan when it is positive
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte

		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if olderThan > 0 && storage.TimestampFromKey(k).After(cutoff) {
				// Keys are time ordered, everything after is newer
				break
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}

		return nil
	})

	return count, err
}

// Stats contains sandbox statistics
type Stats struct {
	Total      int64            `json:"total"`
	ByKind     map[string]int64 `json:"by_kind"`
	Recipients int              `json:"recipients"`
	Failed     int64            `json:"failed"`
	OldestAt   time.Time        `json:"oldest_at,omitempty"`
	NewestAt   time.Time        `json:"newest_at,omitempty"`
	TotalSize  int64            `json:"total_size"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByKind: make(map[string]int64),
	}
	recipients := make(map[string]struct{})

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			stats.Total++
			stats.TotalSize += msg.Size + int64(len(msg.Body))
			stats.ByKind[msg.Kind]++
			recipients[msg.To] = struct{}{}
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

	stats.Recipients = len(recipients)
	return stats, err
}
