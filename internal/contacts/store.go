package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/phone"
	"github.com/foxzi/wablast/internal/storage"
)

var (
	bucketContacts     = []byte("contacts")
	bucketPhones       = []byte("contact_phones")
	bucketGroups       = []byte("groups")
	bucketGroupMembers = []byte("group_members")
	bucketAssignments  = []byte("assignments")
)

// Store persists contacts, groups and manual assignments in BoltDB
type Store struct {
	db          *bolt.DB
	countryCode string
	now         func() time.Time
}

// NewStore creates a contact store on top of an open database
func NewStore(db *bolt.DB, countryCode string) (*Store, error) {
	if err := storage.CreateBuckets(db, bucketContacts, bucketPhones, bucketGroups, bucketGroupMembers, bucketAssignments); err != nil {
		return nil, fmt.Errorf("failed to create contact buckets: %w", err)
	}
	if countryCode == "" {
		countryCode = phone.DefaultCountryCode
	}
	return &Store{db: db, countryCode: countryCode, now: time.Now}, nil
}

// CountryCode returns the country code used for phone normalization
func (s *Store) CountryCode() string {
	return s.countryCode
}

// NormalizePhone normalizes and validates a phone number
func (s *Store) NormalizePhone(raw string) (string, error) {
	normalized := phone.Normalize(raw, s.countryCode)
	if !phone.Valid(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return normalized, nil
}

// Create stores a new contact. New contacts start selected.
func (s *Store) Create(ctx context.Context, c *Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.createTx(tx, c)
	})
}

// CreateMany stores contacts in a single transaction. The returned slice has one
// entry per input contact: nil on success, or ErrInvalidPhone / ErrDuplicatePhone.
func (s *Store) CreateMany(ctx context.Context, list []*Contact) ([]error, error) {
	results := make([]error, len(list))

	err := s.db.Update(func(tx *bolt.Tx) error {
		for i, c := range list {
			err := s.createTx(tx, c)
			switch {
			case err == nil:
			case isItemError(err):
				results[i] = err
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

func isItemError(err error) bool {
	return errors.Is(err, ErrInvalidPhone) || errors.Is(err, ErrDuplicatePhone) || errors.Is(err, ErrNotFound)
}

func (s *Store) createTx(tx *bolt.Tx, c *Contact) error {
	normalized, err := s.NormalizePhone(c.Phone)
	if err != nil {
		return err
	}

	phones := tx.Bucket(bucketPhones)
	if phones.Get([]byte(normalized)) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicatePhone, normalized)
	}

	if c.GroupID != 0 && tx.Bucket(bucketGroups).Get(storage.Itob(c.GroupID)) == nil {
		return fmt.Errorf("group %d: %w", c.GroupID, ErrNotFound)
	}

	contacts := tx.Bucket(bucketContacts)
	id, err := contacts.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate contact id: %w", err)
	}

	now := s.now()
	c.ID = id
	c.Phone = normalized
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Company = strings.TrimSpace(c.Company)
	c.Selected = true
	if c.ImportedAt.IsZero() {
		c.ImportedAt = now
	}
	c.UpdatedAt = now

	if err := putContact(contacts, c); err != nil {
		return err
	}
	if err := phones.Put([]byte(normalized), storage.Itob(id)); err != nil {
		return err
	}
	if c.GroupID != 0 {
		return tx.Bucket(bucketGroupMembers).Put(storage.Itob(id), storage.Itob(c.GroupID))
	}
	return nil
}

// Get retrieves a contact by ID. It returns nil, nil when the contact does not exist.
func (s *Store) Get(ctx context.Context, id uint64) (*Contact, error) {
	var c *Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getContact(tx, id)
		return err
	})

	return c, err
}

// GetMany returns the contacts with the given IDs in the order given, skipping missing ones
func (s *Store) GetMany(ctx context.Context, ids []uint64) ([]*Contact, error) {
	var result []*Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		for _, id := range ids {
			c, err := getContact(tx, id)
			if err != nil {
				return err
			}
			if c != nil {
				result = append(result, c)
			}
		}
		return nil
	})

	return result, err
}

// GetByPhone looks a contact up by phone number in any notation
func (s *Store) GetByPhone(ctx context.Context, raw string) (*Contact, error) {
	normalized := phone.Normalize(raw, s.countryCode)
	if normalized == "" {
		return nil, nil
	}

	var c *Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPhones).Get([]byte(normalized))
		if id == nil {
			return nil
		}
		var err error
		c, err = getContact(tx, storage.Btoi(id))
		return err
	})

	return c, err
}

// List returns contacts ordered by ID
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Contact, error) {
	var result []*Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		members := tx.Bucket(bucketGroupMembers)
		c := tx.Bucket(bucketContacts).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var contact Contact
			if err := json.Unmarshal(v, &contact); err != nil {
				continue
			}
			if g := members.Get(k); g != nil {
				contact.GroupID = storage.Btoi(g)
			}

			if filter.GroupID != 0 && contact.GroupID != filter.GroupID {
				continue
			}
			if filter.Selected != nil && contact.Selected != *filter.Selected {
				continue
			}
			if !contact.matches(filter.Search) {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			result = append(result, &contact)
			if filter.Limit > 0 && len(result) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return result, err
}

// Selected returns all contacts flagged for the next blast
func (s *Store) Selected(ctx context.Context) ([]*Contact, error) {
	selected := true
	return s.List(ctx, ListFilter{Selected: &selected})
}

// Update replaces the editable fields of an existing contact
func (s *Store) Update(ctx context.Context, c *Contact) error {
	normalized, err := s.NormalizePhone(c.Phone)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		contacts := tx.Bucket(bucketContacts)
		phones := tx.Bucket(bucketPhones)
		members := tx.Bucket(bucketGroupMembers)

		existing, err := getContact(tx, c.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}

		if normalized != existing.Phone {
			if phones.Get([]byte(normalized)) != nil {
				return fmt.Errorf("%w: %s", ErrDuplicatePhone, normalized)
			}
			if err := phones.Delete([]byte(existing.Phone)); err != nil {
				return err
			}
			if err := phones.Put([]byte(normalized), storage.Itob(c.ID)); err != nil {
				return err
			}
		}

		if c.GroupID != existing.GroupID {
			key := storage.Itob(c.ID)
			if c.GroupID == 0 {
				if err := members.Delete(key); err != nil {
					return err
				}
			} else {
				if tx.Bucket(bucketGroups).Get(storage.Itob(c.GroupID)) == nil {
					return fmt.Errorf("group %d: %w", c.GroupID, ErrNotFound)
				}
				if err := members.Put(key, storage.Itob(c.GroupID)); err != nil {
					return err
				}
			}
		}

		c.Phone = normalized
		c.Name = strings.TrimSpace(c.Name)
		c.Email = strings.TrimSpace(c.Email)
		c.Company = strings.TrimSpace(c.Company)
		c.ImportedAt = existing.ImportedAt
		c.UpdatedAt = s.now()

		return putContact(contacts, c)
	})
}

// Delete removes a contact
func (s *Store) Delete(ctx context.Context, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		deleted, err := deleteContact(tx, id)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteMany removes the given contacts and returns how many existed
func (s *Store) DeleteMany(ctx context.Context, ids []uint64) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			deleted, err := deleteContact(tx, id)
			if err != nil {
				return err
			}
			if deleted {
				count++
			}
		}
		return nil
	})

	return count, err
}

// DeleteAll removes every contact and group membership
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketContacts).Stats().KeyN

		for _, name := range [][]byte{bucketContacts, bucketPhones, bucketGroupMembers} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})

	return count, err
}

// SetSelected flags or unflags the given contacts and returns how many were updated
func (s *Store) SetSelected(ctx context.Context, ids []uint64, selected bool) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		contacts := tx.Bucket(bucketContacts)
		for _, id := range ids {
			c, err := getContact(tx, id)
			if err != nil {
				return err
			}
			if c == nil {
				continue
			}
			c.Selected = selected
			c.UpdatedAt = s.now()
			if err := putContact(contacts, c); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Toggle flips the selected flag of a contact
func (s *Store) Toggle(ctx context.Context, id uint64) (*Contact, error) {
	var c *Contact

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		c, err = getContact(tx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrNotFound
		}
		c.Selected = !c.Selected
		c.UpdatedAt = s.now()
		return putContact(tx.Bucket(bucketContacts), c)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// SelectAll sets the selected flag on every contact
func (s *Store) SelectAll(ctx context.Context, selected bool) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		contacts := tx.Bucket(bucketContacts)
		updates := make(map[string][]byte)

		err := contacts.ForEach(func(k, v []byte) error {
			var c Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if c.Selected == selected {
				count++
				return nil
			}
			c.Selected = selected
			c.UpdatedAt = s.now()
			data, err := json.Marshal(&c)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			count++
			return nil
		})
		if err != nil {
			return err
		}

		// Puts are not allowed while iterating with ForEach
		for k, data := range updates {
			if err := contacts.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})

	return count, err
}

// Stats returns contact statistics
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		members := tx.Bucket(bucketGroupMembers)
		stats.Groups = tx.Bucket(bucketGroups).Stats().KeyN

		return tx.Bucket(bucketContacts).ForEach(func(k, v []byte) error {
			var c Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			stats.Total++
			if c.Selected {
				stats.Selected++
			}
			if c.Email != "" {
				stats.WithEmail++
			}
			if members.Get(k) != nil {
				stats.Grouped++
			}
			return nil
		})
	})

	return stats, err
}

func getContact(tx *bolt.Tx, id uint64) (*Contact, error) {
	key := storage.Itob(id)
	data := tx.Bucket(bucketContacts).Get(key)
	if data == nil {
		return nil, nil
	}

	c := &Contact{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contact %d: %w", id, err)
	}
	c.GroupID = 0
	if g := tx.Bucket(bucketGroupMembers).Get(key); g != nil {
		c.GroupID = storage.Btoi(g)
	}
	return c, nil
}

func putContact(b *bolt.Bucket, c *Contact) error {
	// Group membership lives in its own bucket
	stored := *c
	stored.GroupID = 0

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal contact: %w", err)
	}
	return b.Put(storage.Itob(c.ID), data)
}

func deleteContact(tx *bolt.Tx, id uint64) (bool, error) {
	c, err := getContact(tx, id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}

	key := storage.Itob(id)
	if err := tx.Bucket(bucketPhones).Delete([]byte(c.Phone)); err != nil {
		return false, err
	}
	if err := tx.Bucket(bucketGroupMembers).Delete(key); err != nil {
		return false, err
	}
	if err := tx.Bucket(bucketContacts).Delete(key); err != nil {
		return false, err
	}
	return true, nil
}
