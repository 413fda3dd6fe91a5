package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return store
}

func TestStorage(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	msg := &Message{
		ID:         "test-123",
		To:         "6281234567890",
		Kind:       KindText,
		Body:       "Hello Budi",
		CapturedAt: time.Now(),
	}

	if err := store.Save(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	retrieved, err := store.Get(ctx, "test-123")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if retrieved == nil {
		t.Fatal("expected message, got nil")
	}
	if retrieved.To != msg.To {
		t.Errorf("expected To %s, got %s", msg.To, retrieved.To)
	}
	if retrieved.Body != msg.Body {
		t.Errorf("expected Body %s, got %s", msg.Body, retrieved.Body)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing message")
	}
}

func TestStorageList(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		kind := KindText
		if i%2 == 1 {
			kind = KindDocument
		}
		msg := &Message{
			ID:         fmt.Sprintf("msg-%d", i),
			To:         fmt.Sprintf("62812000000%d", i%2),
			Kind:       kind,
			CapturedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Save(ctx, msg); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
	}

	messages, err := store.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	if messages[0].ID != "msg-4" {
		t.Errorf("expected newest first, got %s", messages[0].ID)
	}

	messages, _ = store.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if len(messages) != 2 || messages[0].ID != "msg-3" {
		t.Errorf("unexpected page: %v", messages)
	}

	messages, _ = store.List(ctx, ListFilter{Kind: KindDocument})
	if len(messages) != 2 {
		t.Errorf("expected 2 documents, got %d", len(messages))
	}

	messages, _ = store.List(ctx, ListFilter{To: "628120000000"})
	if len(messages) != 3 {
		t.Errorf("expected 3 messages for recipient, got %d", len(messages))
	}
}

func TestStorageDelete(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	msg := &Message{ID: "delete-me", To: "6281234567890", Kind: KindText, CapturedAt: time.Now()}
	if err := store.Save(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	if err := store.Delete(ctx, "delete-me"); err != nil {
		t.Fatalf("failed to delete message: %v", err)
	}

	retrieved, err := store.Get(ctx, "delete-me")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if retrieved != nil {
		t.Error("expected message to be deleted")
	}
}

func TestStorageClear(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		old := &Message{ID: fmt.Sprintf("old-%d", i), To: "6281", Kind: KindText, CapturedAt: now.Add(-48 * time.Hour)}
		fresh := &Message{ID: fmt.Sprintf("new-%d", i), To: "6281", Kind: KindText, CapturedAt: now}
		if err := store.Save(ctx, old); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
		if err := store.Save(ctx, fresh); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
	}

	count, err := store.Clear(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("failed to clear messages: %v", err)
	}
	if count != 3 {
		t.Errorf("expected to clear 3 messages, cleared %d", count)
	}

	count, err = store.Clear(ctx, 0)
	if err != nil {
		t.Fatalf("failed to clear messages: %v", err)
	}
	if count != 3 {
		t.Errorf("expected to clear remaining 3 messages, cleared %d", count)
	}
}

func TestStorageStats(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	msgs := []*Message{
		{ID: "1", To: "6281", Kind: KindText, Body: "hi"},
		{ID: "2", To: "6281", Kind: KindImage, Size: 100},
		{ID: "3", To: "6282", Kind: KindDocument, Size: 50, SimulatedErr: "simulated failure"},
	}
	for i, msg := range msgs {
		msg.CapturedAt = time.Now().Add(time.Duration(i) * time.Hour)
		if err := store.Save(ctx, msg); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}

	if stats.Total != 3 {
		t.Errorf("expected total 3, got %d", stats.Total)
	}
	if stats.ByKind[KindImage] != 1 {
		t.Errorf("expected 1 image message, got %d", stats.ByKind[KindImage])
	}
	if stats.Recipients != 2 {
		t.Errorf("expected 2 recipients, got %d", stats.Recipients)
	}
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed message, got %d", stats.Failed)
	}
	if stats.TotalSize != 152 {
		t.Errorf("expected total size 152, got %d", stats.TotalSize)
	}
}

func TestStorageNewStorageCreatesBucket(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	if _, err := NewStorage(db); err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	err = db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte("sandbox")) == nil {
			t.Error("sandbox bucket was not created")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to verify bucket: %v", err)
	}
}
