package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"
)

type mockEnrollmentStats struct {
	active int
}

func (m *mockEnrollmentStats) CountActive(ctx context.Context) (int, error) {
	return m.active, nil
}

func openTestBolt(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func TestNewCollector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openTestBolt(t, path)
	defer db.Close()

	c, err := NewCollector(db, New(), &mockEnrollmentStats{active: 3}, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	if c == nil {
		t.Fatal("Collector is nil")
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openTestBolt(t, path)

	c, err := NewCollector(db, New(), nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	c.TrackDelivery("sent")
	c.TrackDelivery("sent")
	c.TrackDelivery("failed")
	c.TrackSkipped("conditions")
	c.TrackCompletions("end_of_sequence", 2)
	c.TrackUnsubscribe()
	c.TrackAPIRequest("GET", "/health", "200")

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
	db.Close()

	db2 := openTestBolt(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to recreate collector: %v", err)
	}
	defer c2.Stop()

	if c2.shadow.Deliveries["sent"] != 2 {
		t.Errorf("Expected Deliveries[sent] = 2, got %f", c2.shadow.Deliveries["sent"])
	}
	if c2.shadow.Completions["end_of_sequence"] != 2 {
		t.Errorf("Expected Completions[end_of_sequence] = 2, got %f", c2.shadow.Completions["end_of_sequence"])
	}
	if c2.shadow.Unsubscribes != 1 {
		t.Errorf("Expected Unsubscribes = 1, got %f", c2.shadow.Unsubscribes)
	}

	if got := testutil.ToFloat64(m2.DeliveriesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("restored failed deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m2.APIRequestsTotal.WithLabelValues("GET", "/health", "200")); got != 1 {
		t.Errorf("restored api requests = %v, want 1", got)
	}
}

func TestCollectorTrackMethods(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openTestBolt(t, path)
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	c.TrackTick("ok", 250*time.Millisecond, 7)
	c.TrackEnrollment("api")
	c.TrackQuotaDenied("global")
	c.TrackEngagement("opened")
	c.TrackAPIError("not_found")
	c.TrackCompletions("transition", 0)

	if got := testutil.ToFloat64(m.TicksTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DueEnrollments); got != 7 {
		t.Errorf("due enrollments = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.EnrollmentsTotal.WithLabelValues("api")); got != 1 {
		t.Errorf("enrollments = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QuotaDeniedTotal.WithLabelValues("global")); got != 1 {
		t.Errorf("quota denied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TrackingEventsTotal.WithLabelValues("opened")); got != 1 {
		t.Errorf("tracking events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("api errors = %v, want 1", got)
	}
	if _, ok := c.shadow.Completions["transition"]; ok {
		t.Error("zero completions should not be recorded")
	}
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector

	// Should not panic
	c.TrackTick("ok", time.Second, 1)
	c.TrackDelivery("sent")
	c.TrackSkipped("conditions")
	c.TrackCompletions("end_of_sequence", 1)
	c.TrackEnrollment("cli")
	c.TrackQuotaDenied("global")
	c.TrackEngagement("clicked")
	c.TrackUnsubscribe()
	c.TrackAPIRequest("GET", "/", "200")
	c.TrackAPIError("server_error")
}

func TestCollectGauges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openTestBolt(t, path)
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, &mockEnrollmentStats{active: 12}, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	c.collectGauges(context.Background())

	if got := testutil.ToFloat64(m.ActiveEnrollments); got != 12 {
		t.Errorf("active enrollments = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.Goroutines); got <= 0 {
		t.Errorf("goroutines = %v, want > 0", got)
	}
	if got := testutil.ToFloat64(m.StorageUsedBytes); got <= 0 {
		t.Errorf("storage used = %v, want > 0", got)
	}
}

func TestLabelKeyHelpers(t *testing.T) {
	key := makeTripleLabelKey("POST", "/api/v1/enrollments", "201")
	a, b, c := splitTripleLabelKey(key)
	if a != "POST" || b != "/api/v1/enrollments" || c != "201" {
		t.Errorf("splitTripleLabelKey(%q) = %q, %q, %q", key, a, b, c)
	}

	a, b, c = splitTripleLabelKey("GET")
	if a != "GET" || b != "" || c != "" {
		t.Errorf("splitTripleLabelKey(GET) = %q, %q, %q", a, b, c)
	}
}
