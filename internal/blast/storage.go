package blast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/storage"
)

var (
	bucketBlasts     = []byte("blasts")
	bucketBlastIndex = []byte("blast_index")
)

// Storage persists blast jobs in BoltDB
type Storage struct {
	db *bolt.DB
}

// NewStorage creates job storage on top of an open database
func NewStorage(db *bolt.DB) (*Storage, error) {
	if err := storage.CreateBuckets(db, bucketBlasts, bucketBlastIndex); err != nil {
		return nil, fmt.Errorf("failed to create blast buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Save stores or replaces a job
func (s *Storage) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlasts).Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}
		return tx.Bucket(bucketBlastIndex).Put(storage.IndexKey(job.StartedAt, job.ID), []byte(job.ID))
	})
}

// Get retrieves a job by ID. Returns nil, nil when missing.
func (s *Storage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlasts).Get([]byte(id))
		if data == nil {
			return nil
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})

	return job, err
}

// List returns job summaries, newest first
func (s *Storage) List(ctx context.Context, limit int) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		blasts := tx.Bucket(bucketBlasts)
		c := tx.Bucket(bucketBlastIndex).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			data := blasts.Get(v)
			if data == nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			jobs = append(jobs, job.summary())

			if limit > 0 && len(jobs) >= limit {
				break
			}
		}
		return nil
	})

	return jobs, err
}

// MarkInterrupted flips jobs left running by a previous process to stopped
func (s *Storage) MarkInterrupted(ctx context.Context) (int, error) {
	var count int
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlasts)

		var updates []*Job
		err := b.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Status == StatusRunning {
				updates = append(updates, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, job := range updates {
			job.Status = StatusStopped
			job.Error = "interrupted by restart"
			job.FinishedAt = &now
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(job.ID), data); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Cleanup keeps the newest keep jobs and deletes the rest
func (s *Storage) Cleanup(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		blasts := tx.Bucket(bucketBlasts)
		index := tx.Bucket(bucketBlastIndex)
		c := index.Cursor()

		var stale [][]byte
		seen := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				stale = append(stale, append([]byte(nil), k...))
			}
		}

		for _, k := range stale {
			id := index.Get(k)
			if id != nil {
				if err := blasts.Delete(id); err != nil {
					return err
				}
			}
			if err := index.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
