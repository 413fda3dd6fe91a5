package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// ContactCountFunc reports the number of stored contacts
type ContactCountFunc func(ctx context.Context) (int, error)

// Sample is one persisted counter series
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector persists counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	contacts      ContactCountFunc
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time
	logger        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counter values
func NewCollector(db *bolt.DB, m *Metrics, contacts ContactCountFunc, storagePath string, flushInterval time.Duration, logger *slog.Logger) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		contacts:      contacts,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		logger:        logger.With("component", "metrics"),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// persistent lists the counters that survive restarts, keyed by storage name
func (c *Collector) persistent() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"messages_sent":     c.metrics.MessagesSentTotal,
		"messages_failed":   c.metrics.MessagesFailedTotal,
		"messages_skipped":  c.metrics.MessagesSkippedTotal,
		"throttle_refusals": c.metrics.ThrottleRefusalsTotal,
		"blasts":            c.metrics.BlastsTotal,
		"api_requests":      c.metrics.APIRequestsTotal,
		"api_errors":        c.metrics.APIErrorsTotal,
	}
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}

		var saved map[string][]Sample
		if err := json.Unmarshal(data, &saved); err != nil {
			c.logger.Warn("ignoring unreadable persisted counters", "error", err)
			return nil
		}

		for name, col := range c.persistent() {
			for _, s := range saved[name] {
				restore(col, s)
			}
		}
		return nil
	})
}

func restore(col prometheus.Collector, s Sample) {
	if s.Value <= 0 {
		return
	}
	switch m := col.(type) {
	case *prometheus.CounterVec:
		counter, err := m.GetMetricWith(s.Labels)
		if err != nil {
			return
		}
		counter.Add(s.Value)
	case prometheus.Counter:
		m.Add(s.Value)
	}
}

// snapshot reads the current value of every series of a counter
func snapshot(col prometheus.Collector) []Sample {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		col.Collect(ch)
		close(ch)
	}()

	var samples []Sample
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil || pb.Counter == nil {
			continue
		}
		s := Sample{Value: pb.GetCounter().GetValue()}
		if len(pb.GetLabel()) > 0 {
			s.Labels = make(map[string]string, len(pb.GetLabel()))
			for _, l := range pb.GetLabel() {
				s.Labels[l.GetName()] = l.GetValue()
			}
		}
		samples = append(samples, s)
	}
	return samples
}

func (c *Collector) persistCounters() error {
	saved := make(map[string][]Sample)
	for name, col := range c.persistent() {
		saved[name] = snapshot(col)
	}

	data, err := json.Marshal(saved)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.persistCounters(); err != nil {
				c.logger.Error("failed to persist counters", "error", err)
			}
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.collectSystemMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.contacts != nil {
		if n, err := c.contacts(ctx); err == nil {
			c.metrics.Contacts.Set(float64(n))
		}
	}
}
