package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Open opens (or creates) the bbolt database shared by all stores
func Open(path string) (*bolt.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

// CreateBuckets creates the given buckets if they do not exist
func CreateBuckets(db *bolt.DB, buckets ...[]byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// keyTimeLayout is fixed width so keys sort lexically in time order
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// IndexKey creates a sortable key from timestamp and ID
func IndexKey(t time.Time, id string) []byte {
	// Format: timestamp (UTC, fixed width) + ":" + id
	return []byte(t.UTC().Format(keyTimeLayout) + ":" + id)
}

// TimestampFromKey extracts the timestamp from an index key
func TimestampFromKey(key []byte) time.Time {
	s := string(key)
	if len(s) < len(keyTimeLayout)-5 {
		return time.Time{}
	}
	// UTC timestamps end in "Z"
	ts, err := time.Parse(keyTimeLayout, s[:strings.IndexByte(s, 'Z')+1])
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Itob encodes a sequence number as a big-endian key so cursors iterate in numeric order
func Itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Btoi decodes a key produced by Itob
func Btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
