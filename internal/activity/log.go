// Package activity keeps the send log: a bounded in-memory ring buffer
// mirrored to bbolt so it survives restarts.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/storage"
)

var bucketActivity = []byte("activity")

// Entry statuses
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const (
	DefaultBufferSize = 1000
	DefaultPersistMax = 10000

	excerptRunes = 100
)

// Entry is a single send attempt outcome
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Recipient   string    `json:"recipient"`
	ContactName string    `json:"contact_name,omitempty"`
	Message     string    `json:"message,omitempty"`
	Attachment  string    `json:"attachment,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	BlastID     string    `json:"blast_id,omitempty"`
}

// Options configures the log
type Options struct {
	BufferSize int
	PersistMax int
}

// Filter selects entries for List
type Filter struct {
	Status  string
	Search  string
	BlastID string
	Limit   int
	Offset  int
}

// Counts holds per-status totals
type Counts struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c *Counts) add(status string) {
	c.Total++
	switch status {
	case StatusSent:
		c.Sent++
	case StatusFailed:
		c.Failed++
	case StatusSkipped:
		c.Skipped++
	}
}

// Stats summarizes the buffered entries
type Stats struct {
	Counts
	Today     Counts     `json:"today"`
	Persisted int        `json:"persisted"`
	LastAt    *time.Time `json:"last_at,omitempty"`
}

// Log is the send log
type Log struct {
	db         *bolt.DB
	persistMax int
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	ring      []*Entry
	next      int
	size      int
	persisted int
}

// New creates the log and refills the ring buffer from the newest persisted entries
func New(db *bolt.DB, opts Options, logger *slog.Logger) (*Log, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PersistMax <= 0 {
		opts.PersistMax = DefaultPersistMax
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := storage.CreateBuckets(db, bucketActivity); err != nil {
		return nil, fmt.Errorf("failed to create activity bucket: %w", err)
	}

	l := &Log{
		db:         db,
		persistMax: opts.PersistMax,
		logger:     logger.With("component", "activity"),
		now:        time.Now,
		ring:       make([]*Entry, opts.BufferSize),
	}

	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	var newest []*Entry

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActivity).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			l.persisted++
			if len(newest) >= len(l.ring) {
				continue
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				l.logger.Warn("skipping corrupt log entry", "key", string(k), "error", err)
				continue
			}
			newest = append(newest, &e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load activity log: %w", err)
	}

	// Oldest first so the ring ends with the newest entry
	for i := len(newest) - 1; i >= 0; i-- {
		l.push(newest[i])
	}
	return nil
}

func (l *Log) push(e *Entry) {
	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
}

// newestFirst calls fn for buffered entries from newest to oldest until fn returns false
func (l *Log) newestFirst(fn func(*Entry) bool) {
	for i := 0; i < l.size; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		if !fn(l.ring[idx]) {
			return
		}
	}
}

// Add records an entry in the ring buffer and persists it
func (l *Log) Add(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Message = Excerpt(e.Message)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.push(e)

	var trimmed int
	err = l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketActivity)
		if err := bucket.Put(storage.IndexKey(e.Timestamp, e.ID), data); err != nil {
			return err
		}

		over := l.persisted + 1 - l.persistMax
		if over <= 0 {
			return nil
		}

		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && trimmed < over; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			trimmed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist log entry: %w", err)
	}

	l.persisted += 1 - trimmed
	return nil
}

// List returns buffered entries matching the filter, newest first
func (l *Log) List(filter Filter) []*Entry {
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	l.mu.RLock()
	defer l.mu.RUnlock()

	var entries []*Entry
	skipped := 0
	l.newestFirst(func(e *Entry) bool {
		if filter.Status != "" && e.Status != filter.Status {
			return true
		}
		if filter.BlastID != "" && e.BlastID != filter.BlastID {
			return true
		}
		if search != "" && !e.matches(search) {
			return true
		}
		if skipped < filter.Offset {
			skipped++
			return true
		}

		entries = append(entries, e)
		return filter.Limit <= 0 || len(entries) < filter.Limit
	})

	return entries
}

func (e *Entry) matches(search string) bool {
	for _, field := range []string{e.Recipient, e.ContactName, e.Message, e.Attachment, e.Error} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// Stats returns counts for the buffered entries
func (l *Log) Stats() Stats {
	now := l.now()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{Persisted: l.persisted}
	l.newestFirst(func(e *Entry) bool {
		if stats.LastAt == nil {
			ts := e.Timestamp
			stats.LastAt = &ts
		}
		stats.add(e.Status)
		if !e.Timestamp.Before(today) {
			stats.Today.add(e.Status)
		}
		return true
	})

	return stats
}

// Clear drops all buffered and persisted entries
func (l *Log) Clear(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketActivity); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketActivity)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear activity log: %w", err)
	}

	cleared := l.persisted
	l.ring = make([]*Entry, len(l.ring))
	l.next, l.size, l.persisted = 0, 0, 0

	l.logger.Info("activity log cleared", "entries", cleared)
	return cleared, nil
}

// Excerpt shortens a message body for the log
func Excerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:excerptRunes])
}
