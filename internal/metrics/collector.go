package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// EnrollmentStatsProvider reports enrollment state for gauges
type EnrollmentStatsProvider interface {
	CountActive(ctx context.Context) (int, error)
}

var bucketMetrics = []byte("metrics")

// ShadowCounters stores counter values for persistence
type ShadowCounters struct {
	Ticks          map[string]float64 `json:"ticks"`
	Deliveries     map[string]float64 `json:"deliveries"`
	StepsSkipped   map[string]float64 `json:"steps_skipped"`
	Completions    map[string]float64 `json:"completions"`
	Enrollments    map[string]float64 `json:"enrollments"`
	QuotaDenied    map[string]float64 `json:"quota_denied"`
	TrackingEvents map[string]float64 `json:"tracking_events"`
	Unsubscribes   float64            `json:"unsubscribes"`
	APIRequests    map[string]float64 `json:"api_requests"`
	APIErrors      map[string]float64 `json:"api_errors"`
}

func newShadowCounters() ShadowCounters {
	return ShadowCounters{
		Ticks:          make(map[string]float64),
		Deliveries:     make(map[string]float64),
		StepsSkipped:   make(map[string]float64),
		Completions:    make(map[string]float64),
		Enrollments:    make(map[string]float64),
		QuotaDenied:    make(map[string]float64),
		TrackingEvents: make(map[string]float64),
		APIRequests:    make(map[string]float64),
		APIErrors:      make(map[string]float64),
	}
}

// Collector handles metrics persistence and gauge updates. All Track
// methods are safe on a nil Collector.
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	enrollments   EnrollmentStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	shadow   ShadowCounters
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(db *bolt.DB, m *Metrics, enrollments EnrollmentStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
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
		enrollments:   enrollments,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		shadow:        newShadowCounters(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Metrics returns the underlying metric set
func (c *Collector) Metrics() *Metrics {
	return c.metrics
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateGauges(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters loads persisted counter values from BoltDB
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		restore := func(dst, src map[string]float64, add func(label string, v float64)) {
			for k, v := range src {
				dst[k] = v
				add(k, v)
			}
		}

		restore(c.shadow.Ticks, shadow.Ticks, func(k string, v float64) {
			c.metrics.TicksTotal.WithLabelValues(k).Add(v)
		})
		restore(c.shadow.Deliveries, shadow.Deliveries, func(k string, v float64) {
			c.metrics.DeliveriesTotal.WithLabelValues(k).Add(v)
		})
		restore(c.shadow.StepsSkipped, shadow.StepsSkipped, func(k string, v float64) {
			c.metrics.StepsSkippedTotal.WithLabelValues(k).Add(v)
		})
		restore(c.shadow.Completions, shadow.Completions, func(k string, v float64) {
			c.metrics.CompletionsTotal.WithLabelValues(k).Add(v)
		})
		restore(c.shadow.Enrollments, shadow.Enrollments, func(k string, v float64) {
			c.metrics.EnrollmentsTotal.WithLabelValues(k).Add(v)
		})
		restore(c.shadow.QuotaDenied, shadow.QuotaDenied, func(k string, v float64) {
			c.metrics.QuotaDeniedTotal.WithLabelValues(k).Add(v)
		})
		restore(c.shadow.TrackingEvents, shadow.TrackingEvents, func(k string, v float64) {
			c.metrics.TrackingEventsTotal.WithLabelValues(k).Add(v)
		})
		restore(c.shadow.APIRequests, shadow.APIRequests, func(k string, v float64) {
			method, path, status := splitTripleLabelKey(k)
			c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Add(v)
		})
		restore(c.shadow.APIErrors, shadow.APIErrors, func(k string, v float64) {
			c.metrics.APIErrorsTotal.WithLabelValues(k).Add(v)
		})

		c.shadow.Unsubscribes = shadow.Unsubscribes
		c.metrics.UnsubscribesTotal.Add(shadow.Unsubscribes)

		return nil
	})
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.shadow)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put([]byte("counters"), data)
	})
}

// persistLoop periodically persists counter values
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
			c.persistCounters()
		}
	}
}

// updateGauges periodically refreshes gauges
func (c *Collector) updateGauges(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectGauges(ctx)
		}
	}
}

// collectGauges collects current process and store state
func (c *Collector) collectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.enrollments != nil {
		if n, err := c.enrollments.CountActive(ctx); err == nil {
			c.metrics.ActiveEnrollments.Set(float64(n))
		}
	}
}

func (c *Collector) inc(m map[string]float64, key string) {
	c.mu.Lock()
	m[key]++
	c.mu.Unlock()
}

// TrackTick records one scheduler tick
func (c *Collector) TrackTick(result string, duration time.Duration, due int) {
	if c == nil {
		return
	}
	c.inc(c.shadow.Ticks, result)
	c.metrics.TicksTotal.WithLabelValues(result).Inc()
	c.metrics.TickDurationSeconds.Observe(duration.Seconds())
	c.metrics.DueEnrollments.Set(float64(due))
}

// TrackDelivery records a delivery attempt outcome (sent, failed)
func (c *Collector) TrackDelivery(outcome string) {
	if c == nil {
		return
	}
	c.inc(c.shadow.Deliveries, outcome)
	c.metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// TrackSkipped records a step consumed without sending
func (c *Collector) TrackSkipped(reason string) {
	if c == nil {
		return
	}
	c.inc(c.shadow.StepsSkipped, reason)
	c.metrics.StepsSkippedTotal.WithLabelValues(reason).Inc()
}

// TrackCompletions records enrollments moved to completed
func (c *Collector) TrackCompletions(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	c.shadow.Completions[reason] += float64(n)
	c.mu.Unlock()
	c.metrics.CompletionsTotal.WithLabelValues(reason).Add(float64(n))
}

// TrackEnrollment records a created enrollment
func (c *Collector) TrackEnrollment(source string) {
	if c == nil {
		return
	}
	c.inc(c.shadow.Enrollments, source)
	c.metrics.EnrollmentsTotal.WithLabelValues(source).Inc()
}

// TrackQuotaDenied records a send postponed by a quota
func (c *Collector) TrackQuotaDenied(level string) {
	if c == nil {
		return
	}
	c.inc(c.shadow.QuotaDenied, level)
	c.metrics.QuotaDeniedTotal.WithLabelValues(level).Inc()
}

// TrackEngagement records an open or click
func (c *Collector) TrackEngagement(event string) {
	if c == nil {
		return
	}
	c.inc(c.shadow.TrackingEvents, event)
	c.metrics.TrackingEventsTotal.WithLabelValues(event).Inc()
}

// TrackUnsubscribe records a per-sequence unsubscribe
func (c *Collector) TrackUnsubscribe() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.shadow.Unsubscribes++
	c.mu.Unlock()
	c.metrics.UnsubscribesTotal.Inc()
}

// TrackAPIRequest tracks an API request and updates shadow counter
func (c *Collector) TrackAPIRequest(method, path, status string) {
	if c == nil {
		return
	}
	c.inc(c.shadow.APIRequests, makeTripleLabelKey(method, path, status))
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// TrackAPIError tracks an API error and updates shadow counter
func (c *Collector) TrackAPIError(errorType string) {
	if c == nil {
		return
	}
	c.inc(c.shadow.APIErrors, errorType)
	c.metrics.APIErrorsTotal.WithLabelValues(errorType).Inc()
}

func makeTripleLabelKey(a, b, c string) string {
	return a + "|" + b + "|" + c
}

func splitTripleLabelKey(key string) (string, string, string) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])

	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], parts[2]
	}
}
