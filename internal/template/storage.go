package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

var (
	// ErrNotFound is returned when a template does not exist
	ErrNotFound = errors.New("template not found")
	// ErrDuplicateName is returned when a template name is already taken
	ErrDuplicateName = errors.New("template name already exists")
)

// Storage provides template storage operations
type Storage struct {
	db     *bolt.DB
	engine *Engine
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTemplateNames); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db, engine: NewEngine()}, nil
}

func (s *Storage) validate(tmpl *Template) error {
	tmpl.Name = strings.TrimSpace(tmpl.Name)
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}
	return s.engine.Validate(tmpl.Body)
}

// Create creates a new template
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if err := s.validate(tmpl); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		nameKey := []byte(strings.ToLower(tmpl.Name))
		if existing := names.Get(nameKey); existing != nil {
			return fmt.Errorf("%w: %q", ErrDuplicateName, tmpl.Name)
		}

		tmpl.ID = uuid.New().String()
		tmpl.Version = 1
		tmpl.CreatedAt = time.Now()
		tmpl.UpdatedAt = tmpl.CreatedAt

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		if err := templates.Put([]byte(tmpl.ID), data); err != nil {
			return err
		}

		return names.Put(nameKey, []byte(tmpl.ID))
	})
}

// Get retrieves a template by ID
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return nil
		}

		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// GetByName retrieves a template by name (case-insensitive)
func (s *Storage) GetByName(ctx context.Context, name string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get([]byte(strings.ToLower(strings.TrimSpace(name))))
		if id == nil {
			return nil
		}

		data := tx.Bucket(bucketTemplates).Get(id)
		if data == nil {
			return nil
		}

		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// List returns templates, most recently updated first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	var templates []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return nil
			}

			if filter.Search != "" {
				search := strings.ToLower(filter.Search)
				if !strings.Contains(strings.ToLower(tmpl.Name), search) &&
					!strings.Contains(strings.ToLower(tmpl.Body), search) {
					return nil
				}
			}

			templates = append(templates, &tmpl)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(templates, func(i, j int) bool {
		return templates[i].UpdatedAt.After(templates[j].UpdatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(templates) {
			return nil, nil
		}
		templates = templates[filter.Offset:]
	}
	if filter.Limit > 0 && len(templates) > filter.Limit {
		templates = templates[:filter.Limit]
	}

	return templates, nil
}

// Update updates an existing template
func (s *Storage) Update(ctx context.Context, tmpl *Template) error {
	if err := s.validate(tmpl); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		existingData := templates.Get([]byte(tmpl.ID))
		if existingData == nil {
			return ErrNotFound
		}

		var existing Template
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}

		oldKey := []byte(strings.ToLower(existing.Name))
		newKey := []byte(strings.ToLower(tmpl.Name))
		if string(oldKey) != string(newKey) {
			if existingID := names.Get(newKey); existingID != nil {
				return fmt.Errorf("%w: %q", ErrDuplicateName, tmpl.Name)
			}
			if err := names.Delete(oldKey); err != nil {
				return err
			}
			if err := names.Put(newKey, []byte(tmpl.ID)); err != nil {
				return err
			}
		}

		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.UpdatedAt = time.Now()

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		return templates.Put([]byte(tmpl.ID), data)
	})
}

// Delete removes a template by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		data := templates.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return err
		}

		if err := names.Delete([]byte(strings.ToLower(tmpl.Name))); err != nil {
			return err
		}

		return templates.Delete([]byte(id))
	})
}

// Stats returns template statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Total = int64(tx.Bucket(bucketTemplates).Stats().KeyN)
		return nil
	})

	return stats, err
}
