package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/storage"
)

// CreateGroup creates a named group
func (s *Store) CreateGroup(ctx context.Context, name string) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("group name is required")
	}

	g := &Group{Name: name}

	err := s.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)

		err := groups.ForEach(func(k, v []byte) error {
			var existing Group
			if err := json.Unmarshal(v, &existing); err != nil {
				return nil
			}
			if strings.EqualFold(existing.Name, name) {
				return fmt.Errorf("%w: %q", ErrDuplicateGroup, name)
			}
			return nil
		})
		if err != nil {
			return err
		}

		id, err := groups.NextSequence()
		if err != nil {
			return err
		}
		g.ID = id
		g.CreatedAt = s.now()

		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return groups.Put(storage.Itob(id), data)
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

// ListGroups returns all groups with their member counts, ordered by name
func (s *Store) ListGroups(ctx context.Context) ([]*Group, error) {
	var groups []*Group

	err := s.db.View(func(tx *bolt.Tx) error {
		counts := make(map[uint64]int)
		err := tx.Bucket(bucketGroupMembers).ForEach(func(k, v []byte) error {
			counts[storage.Btoi(v)]++
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var g Group
			if err := json.Unmarshal(v, &g); err != nil {
				return nil
			}
			g.Members = counts[g.ID]
			groups = append(groups, &g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(groups, func(i, j int) bool {
		return strings.ToLower(groups[i].Name) < strings.ToLower(groups[j].Name)
	})

	return groups, nil
}

// DeleteGroup removes a group; its contacts become ungrouped
func (s *Store) DeleteGroup(ctx context.Context, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		key := storage.Itob(id)
		if groups.Get(key) == nil {
			return ErrNotFound
		}

		members := tx.Bucket(bucketGroupMembers)
		var stale [][]byte
		err := members.ForEach(func(k, v []byte) error {
			if storage.Btoi(v) == id {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := members.Delete(k); err != nil {
				return err
			}
		}

		return groups.Delete(key)
	})
}

// AssignGroup moves the given contacts into a group and returns how many were moved
func (s *Store) AssignGroup(ctx context.Context, groupID uint64, contactIDs []uint64) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketGroups).Get(storage.Itob(groupID)) == nil {
			return ErrNotFound
		}

		contacts := tx.Bucket(bucketContacts)
		members := tx.Bucket(bucketGroupMembers)
		for _, id := range contactIDs {
			key := storage.Itob(id)
			if contacts.Get(key) == nil {
				continue
			}
			if err := members.Put(key, storage.Itob(groupID)); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// UnassignGroup removes the given contacts from whatever group they belong to
func (s *Store) UnassignGroup(ctx context.Context, contactIDs []uint64) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		members := tx.Bucket(bucketGroupMembers)
		for _, id := range contactIDs {
			key := storage.Itob(id)
			if members.Get(key) == nil {
				continue
			}
			if err := members.Delete(key); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}
