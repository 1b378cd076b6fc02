package metrics

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"
)

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := wrapResponseWriter(w)

	// Test initial status
	if rw.status != http.StatusOK {
		t.Errorf("Expected initial status %d, got %d", http.StatusOK, rw.status)
	}

	// Test WriteHeader
	rw.WriteHeader(http.StatusNotFound)
	if rw.status != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, rw.status)
	}

	// Test double WriteHeader (should be ignored)
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.status != http.StatusNotFound {
		t.Errorf("Expected status to remain %d, got %d", http.StatusNotFound, rw.status)
	}
}

func TestResponseWriterWrite(t *testing.T) {
	w := httptest.NewRecorder()
	rw := wrapResponseWriter(w)

	// Write without explicit WriteHeader
	_, err := rw.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write failed: %v", err)
	}

	// Status should default to 200
	if rw.status != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rw.status)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(c))
	r.Get("/api/v1/subscribers/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/api/v1/subscribers/550e8400-e29b-41d4-a716-446655440000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/subscribers/{id}", "404"))
	if got != 1 {
		t.Errorf("api requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("api errors = %v, want 1", got)
	}
}

func TestHTTPMiddlewareNilCollector(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := HTTPMiddleware(nil)(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	// Should not panic without a collector
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestNormalizePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(c))
	r.Get("/t/o/{logID}.gif", func(w http.ResponseWriter, r *http.Request) {})
	r.Post("/u/{token}", func(w http.ResponseWriter, r *http.Request) {})

	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "/t/o/abc.gif", nil),
		httptest.NewRequest("POST", "/u/eyJhbGciOi.payload.sig", nil),
		httptest.NewRequest("GET", "/wp-login.php", nil),
		httptest.NewRequest("GET", "/.env", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	tests := []struct {
		method string
		path   string
		status string
		want   float64
	}{
		{"GET", "/t/o/{logID}.gif", "200", 1},
		{"POST", "/u/{token}", "200", 1},
		{"GET", "unmatched", "404", 2},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues(tt.method, tt.path, tt.status)); got != tt.want {
			t.Errorf("requests{%s %s %s} = %v, want %v", tt.method, tt.path, tt.status, got, tt.want)
		}
	}

	if got := normalizePath(httptest.NewRequest("GET", "/health", nil)); got != "unmatched" {
		t.Errorf("normalizePath() without a route context = %q", got)
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{500, "server_error"},
		{503, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{400, "bad_request"},
		{422, "client_error"},
		{200, "unknown"},
		{201, "unknown"},
	}

	for _, tt := range tests {
		result := categorizeStatus(tt.status)
		if result != tt.expected {
			t.Errorf("categorizeStatus(%d) = %q, expected %q", tt.status, result, tt.expected)
		}
	}
}
