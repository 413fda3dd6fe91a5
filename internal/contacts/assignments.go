package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// SetAssignment links a contact name to a document filename
func (s *Store) SetAssignment(ctx context.Context, contactName, filename string) (*Assignment, error) {
	key := AssignmentKey(contactName)
	filename = strings.TrimSpace(filename)
	if key == "" {
		return nil, fmt.Errorf("contact name is required")
	}
	if filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	a := &Assignment{
		ContactName: strings.Join(strings.Fields(contactName), " "),
		Filename:    filename,
		UpdatedAt:   s.now(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAssignments).Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// RemoveAssignment deletes the manual assignment for a contact name
func (s *Store) RemoveAssignment(ctx context.Context, contactName string) error {
	key := []byte(AssignmentKey(contactName))

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// Assignment returns the assigned filename for a contact name, or "" when none
func (s *Store) Assignment(ctx context.Context, contactName string) (string, error) {
	var filename string

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAssignments).Get([]byte(AssignmentKey(contactName)))
		if data == nil {
			return nil
		}
		var a Assignment
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		filename = a.Filename
		return nil
	})

	return filename, err
}

// Assignments returns all manual assignments keyed by AssignmentKey(contact name)
func (s *Store) Assignments(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			result[string(k)] = a.Filename
			return nil
		})
	})

	return result, err
}

// ListAssignments returns all manual assignments ordered by contact name
func (s *Store) ListAssignments(ctx context.Context) ([]*Assignment, error) {
	var result []*Assignment

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			result = append(result, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return AssignmentKey(result[i].ContactName) < AssignmentKey(result[j].ContactName)
	})

	return result, nil
}
