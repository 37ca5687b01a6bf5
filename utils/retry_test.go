package utils

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rangefetch/internal"
)

// scriptedDoer answers with the given statuses in order, repeating the last
type scriptedDoer struct {
	statuses []int
	calls    int
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	status := d.statuses[min(d.calls, len(d.statuses)-1)]
	d.calls++
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("body")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func newTestRequest(t *testing.T, ctx context.Context) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid/file", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestRetryTransport_Send(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		maxRetries   int
		wantStatus   int
		wantAttempts int
		wantSuccess  bool
	}{
		{"immediate_success", []int{200}, 5, 200, 1, true},
		{"partial_content", []int{206}, 5, 206, 1, true},
		{"transient_then_success", []int{503, 429, 200}, 5, 200, 3, true},
		{"exhausted_returns_last", []int{500, 502, 504}, 3, 504, 3, false},
		{"permanent_not_retried", []int{404, 200}, 5, 404, 1, false},
		{"forbidden_not_retried", []int{403}, 5, 403, 1, false},
		{"zero_retries_means_one_attempt", []int{503, 200}, 0, 503, 1, false},
		{"request_timeout_retried", []int{408, 206}, 2, 206, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &scriptedDoer{statuses: tt.statuses}
			rt := NewRetryTransport(doer, tt.maxRetries, 0)
			rt.BaseDelay = time.Millisecond

			result, err := rt.Send(newTestRequest(t, context.Background()))
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			defer result.Close()

			if result.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", result.StatusCode, tt.wantStatus)
			}
			if result.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", result.Attempts, tt.wantAttempts)
			}
			if doer.calls != tt.wantAttempts {
				t.Errorf("transport called %d times, want %d", doer.calls, tt.wantAttempts)
			}
			if result.Success() != tt.wantSuccess {
				t.Errorf("Success() = %v, want %v", result.Success(), tt.wantSuccess)
			}
		})
	}
}

func TestRetryTransport_Backoff(t *testing.T) {
	tests := []struct {
		name     string
		retryCap time.Duration
		attempt  int
		expected time.Duration
	}{
		{"first", 0, 0, time.Second},
		{"second", 0, 1, 2 * time.Second},
		{"fourth", 0, 3, 8 * time.Second},
		{"capped", 5 * time.Second, 3, 5 * time.Second},
		{"below_cap", 5 * time.Second, 1, 2 * time.Second},
		{"huge_attempt_uncapped", 0, 100, time.Duration(math.MaxInt64)},
		{"huge_attempt_capped", time.Minute, 100, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewRetryTransport(&scriptedDoer{statuses: []int{200}}, 10, tt.retryCap)
			if got := rt.backoff(tt.attempt); got != tt.expected {
				t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestRetryTransport_CancelDuringBackoff(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{503}}
	rt := NewRetryTransport(doer, 5, 0)
	rt.BaseDelay = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := rt.Send(newTestRequest(t, ctx))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Send() should fail when cancelled during backoff")
	}
	var fe *internal.FetchError
	if !errors.As(err, &fe) || fe.Type != internal.ErrCancelled {
		t.Errorf("Send() error = %v, want a Cancelled FetchError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, backoff sleep should abort promptly", elapsed)
	}
	if doer.calls != 1 {
		t.Errorf("transport called %d times, want 1", doer.calls)
	}
}

func TestRetryTransport_NetworkFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	rt := NewRetryTransport(&http.Client{Timeout: 2 * time.Second}, 3, 0)
	rt.BaseDelay = time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, addr+"/file", nil)
	_, err := rt.Send(req)
	if err == nil {
		t.Fatal("Send() should fail against a closed server")
	}
	var fe *internal.FetchError
	if !errors.As(err, &fe) || fe.Type != internal.ErrNetwork {
		t.Errorf("Send() error = %v, want a Network FetchError", err)
	}
}

func TestRetryTransport_AgainstServer(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	rt := NewRetryTransport(server.Client(), 4, 0)
	rt.BaseDelay = time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	result, err := rt.Send(req)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	defer result.Close()

	body, _ := io.ReadAll(result.Response.Body)
	if string(body) != "payload" {
		t.Errorf("body = %q, want payload", body)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}
