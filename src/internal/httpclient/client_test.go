package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestNewClient(t *testing.T) {
	client := NewClient("test-service", 10*time.Second)

	if client.serviceName != "test-service" {
		t.Errorf("serviceName = %v, want test-service", client.serviceName)
	}
	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want %v", client.httpClient.Timeout, 10*time.Second)
	}
	if client.retryConfig.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", client.retryConfig.MaxRetries)
	}
	if client.auth != nil {
		t.Error("auth set without WithAuth")
	}
}

func TestPostJSON_ReplaysBodyOnRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)

		var got map[string]string
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("attempt %d: decode body: %v", n, err)
		}
		if got["job_id"] != "job_1" {
			t.Errorf("attempt %d: body = %v", n, got)
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient("test-service", time.Second, WithRetry(fastRetry()))
	err := client.PostJSON(context.Background(), server.URL, map[string]string{"job_id": "job_1"}, nil)
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPostJSON_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient("test-service", time.Second, WithRetry(fastRetry()))
	err := client.PostJSON(context.Background(), server.URL, map[string]string{}, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", httpErr.StatusCode)
	}
}

func TestDo_MaxRetriesExceeded(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := fastRetry()
	cfg.MaxRetries = 2
	client := NewClient("test-service", time.Second, WithRetry(cfg))
	err := client.PostJSON(context.Background(), server.URL, "x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Second
	client := NewClient("test-service", time.Second, WithRetry(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.PostJSON(ctx, server.URL, "x", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestBearerTokenAuthAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Event-Type"); got != "job.completed" {
			t.Errorf("X-Event-Type = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("test-service", time.Second, WithAuth(&BearerTokenAuth{Token: "s3cret"}))
	err := client.PostJSON(context.Background(), server.URL, "x", map[string]string{"X-Event-Type": "job.completed"})
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
}

func TestHTTPError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *HTTPError
		want string
	}{
		{name: "with body", err: &HTTPError{StatusCode: 404, Status: "404 Not Found", Body: []byte("missing")}, want: "HTTP 404: missing"},
		{name: "without body", err: &HTTPError{StatusCode: 500, Status: "500 Internal Server Error"}, want: "HTTP 500: 500 Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
