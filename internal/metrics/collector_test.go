package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func TestNewCollector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	c, err := NewCollector(db, New(), nil, path, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)

	m := New()
	c, err := NewCollector(db, m, nil, path, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	m.MessagesSentTotal.Add(2)
	m.MessagesFailedTotal.WithLabelValues("temporary").Inc()
	m.BlastsTotal.WithLabelValues("completed").Inc()
	m.APIRequestsTotal.WithLabelValues("GET", "/api/contacts", "200").Add(5)

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, nil, path, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to recreate collector: %v", err)
	}
	defer c2.Stop()

	if v := counterValue(t, m2.MessagesSentTotal); v != 2 {
		t.Errorf("Expected restored sent 2, got %f", v)
	}
	if v := counterValue(t, m2.MessagesFailedTotal.WithLabelValues("temporary")); v != 1 {
		t.Errorf("Expected restored failed{temporary} 1, got %f", v)
	}
	if v := counterValue(t, m2.BlastsTotal.WithLabelValues("completed")); v != 1 {
		t.Errorf("Expected restored blasts{completed} 1, got %f", v)
	}
	if v := counterValue(t, m2.APIRequestsTotal.WithLabelValues("GET", "/api/contacts", "200")); v != 5 {
		t.Errorf("Expected restored api requests 5, got %f", v)
	}
}

func TestCollectorSystemMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	m := New()
	count := func(ctx context.Context) (int, error) { return 42, nil }

	c, err := NewCollector(db, m, count, path, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	c.collectSystemMetrics(context.Background())

	if v := gaugeValue(t, m.Contacts); v != 42 {
		t.Errorf("Expected 42 contacts, got %f", v)
	}
	if v := gaugeValue(t, m.Goroutines); v <= 0 {
		t.Errorf("Expected goroutines gauge to be set, got %f", v)
	}
	if v := gaugeValue(t, m.StorageUsedBytes); v <= 0 {
		t.Errorf("Expected storage size to be set, got %f", v)
	}
}

func TestCollectorStartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	c, err := NewCollector(db, New(), nil, path, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
	// Second stop is a no-op
	if err := c.Stop(); err != nil {
		t.Errorf("Second stop failed: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.ThrottleRefusalsTotal.WithLabelValues("paused").Add(3)
	m.ThrottleRefusalsTotal.WithLabelValues("daily_limit").Inc()

	samples := snapshot(m.ThrottleRefusalsTotal)
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(samples))
	}

	total := 0.0
	for _, s := range samples {
		if s.Labels["reason"] == "" {
			t.Errorf("sample without reason label: %+v", s)
		}
		total += s.Value
	}
	if total != 4 {
		t.Errorf("Expected total 4, got %f", total)
	}
}
