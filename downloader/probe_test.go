package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"rangefetch/internal"
	"rangefetch/utils"
)

func TestRecommendWorkers(t *testing.T) {
	tests := []struct {
		name        string
		target      int64
		throughput  float64
		latency     time.Duration
		maxParallel int
		expected    int
	}{
		{"capped_by_parallelism", 100_000_000, 10_000_000, 50 * time.Millisecond, 8, 8},
		{"small_file", 1000, 1_000_000, 100 * time.Millisecond, 8, 4},
		{"fits_one_chunk", 100, 1_000_000, time.Second, 8, 1},
		{"empty_target", 0, 1_000_000, time.Second, 8, 1},
		{"no_throughput", 5, 0, time.Second, 8, 5},
		{"no_latency", 3, 1_000_000, 0, 8, 3},
		{"default_parallelism", 1 << 40, 1, time.Millisecond, 0, runtime.NumCPU()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecommendWorkers(tt.target, tt.throughput, tt.latency, tt.maxParallel)
			if got != tt.expected {
				t.Errorf("RecommendWorkers(%d, %.0f, %v, %d) = %d, want %d",
					tt.target, tt.throughput, tt.latency, tt.maxParallel, got, tt.expected)
			}
		})
	}
}

type fixedPinger struct {
	rtt time.Duration
	err error
}

func (p fixedPinger) Ping(ctx context.Context, host string) (time.Duration, error) {
	return p.rtt, p.err
}

func TestNetworkProbe_Measure(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64<<10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "sample.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer server.Close()

	probe := NewNetworkProbe(server.Client())
	probe.SetPingers(fixedPinger{err: errors.New("blocked")}, fixedPinger{rtt: 20 * time.Millisecond})
	probe.SetSampleBytes(16 << 10)
	probe.SetMaxParallel(4)

	report, err := probe.Measure(context.Background(), server.URL+"/sample.bin", 10<<20)
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if report.Latency != 20*time.Millisecond {
		t.Errorf("Latency = %v, want the second pinger's 20ms", report.Latency)
	}
	if report.Sampled != 16<<10 {
		t.Errorf("Sampled = %d, want %d", report.Sampled, 16<<10)
	}
	if report.Throughput <= 0 {
		t.Errorf("Throughput = %f, want positive", report.Throughput)
	}
	if report.Workers < 1 || report.Workers > 4 {
		t.Errorf("Workers = %d, want within [1, 4]", report.Workers)
	}
}

func TestNetworkProbe_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	probe := NewNetworkProbe(server.Client())
	probe.SetPingers(fixedPinger{rtt: time.Millisecond})

	_, err := probe.Measure(context.Background(), server.URL, 1000)
	var fe *internal.FetchError
	if !errors.As(err, &fe) || fe.Type != internal.ErrPermanentTransport {
		t.Errorf("Measure() error = %v, want PermanentTransport", err)
	}

	probe.SetPingers(fixedPinger{err: errors.New("down")})
	if _, err := probe.Measure(context.Background(), server.URL, 1000); !errors.As(err, &fe) || fe.Type != internal.ErrNetwork {
		t.Errorf("Measure() with failing pingers error = %v, want Network", err)
	}

	if _, err := probe.Measure(context.Background(), "not a url", 1000); err == nil {
		t.Error("Measure() should reject a URL without host")
	}
}

func TestEngine_OptimalWorkers(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 100_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer server.Close()

	engine := newTestEngine(2)
	defer engine.Close()

	workers, err := engine.OptimalWorkers(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("OptimalWorkers() error = %v", err)
	}
	if workers < 1 || workers > runtime.NumCPU() {
		t.Errorf("OptimalWorkers() = %d, want within [1, %d]", workers, runtime.NumCPU())
	}

	if _, err := engine.OptimalWorkers(context.Background(), "ftp://example.com/x"); err == nil {
		t.Error("OptimalWorkers() should reject unsupported schemes")
	}
}

func TestNewNetworkProbe_DefaultPingers(t *testing.T) {
	probe := NewNetworkProbe(nil)
	pingers := probe.defaultPingers("http")
	if len(pingers) != 2 {
		t.Fatalf("got %d pingers, want ICMP then HTTP", len(pingers))
	}
	if _, ok := pingers[0].(*utils.ICMPPinger); !ok {
		t.Errorf("first pinger = %T, want *utils.ICMPPinger", pingers[0])
	}
	hp, ok := pingers[1].(*utils.HTTPPinger)
	if !ok || hp.Scheme != "http" || hp.Client != http.DefaultClient {
		t.Errorf("second pinger = %#v, want an http HEAD pinger on the default client", pingers[1])
	}
}
