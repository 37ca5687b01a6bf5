package downloader

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"rangefetch/internal"
	"rangefetch/utils"
)

// DefaultSampleBytes is how much of the reference payload a throughput
// measurement reads
const DefaultSampleBytes int64 = 1_000_000

// NetworkReport holds one round of network measurements
type NetworkReport struct {
	Host       string
	Latency    time.Duration
	Throughput float64 // bytes per second
	Sampled    int64
	TargetSize int64
	Workers    int
}

// NetworkProbe measures latency and throughput to advise a worker count.
// Its results are advisory only.
type NetworkProbe struct {
	client      *http.Client
	pingers     []internal.Pinger
	sampleBytes int64
	maxParallel int
}

// NewNetworkProbe creates a probe that uses client for HTTP measurements.
// Latency comes from ICMP when permitted and a timed HEAD otherwise.
func NewNetworkProbe(client *http.Client) *NetworkProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &NetworkProbe{
		client:      client,
		sampleBytes: DefaultSampleBytes,
		maxParallel: runtime.NumCPU(),
	}
}

func (p *NetworkProbe) defaultPingers(scheme string) []internal.Pinger {
	return []internal.Pinger{
		&utils.ICMPPinger{Timeout: 2 * time.Second},
		&utils.HTTPPinger{Client: p.client, Scheme: scheme},
	}
}

// SetPingers replaces the latency sources, tried in order
func (p *NetworkProbe) SetPingers(pingers ...internal.Pinger) {
	p.pingers = pingers
}

// SetSampleBytes sets how much the throughput measurement reads
func (p *NetworkProbe) SetSampleBytes(n int64) {
	if n > 0 {
		p.sampleBytes = n
	}
}

// SetMaxParallel caps the recommendation
func (p *NetworkProbe) SetMaxParallel(n int) {
	if n > 0 {
		p.maxParallel = n
	}
}

// Latency returns the round-trip time to host using the configured pingers,
// or ICMP then an HTTPS HEAD when none are set
func (p *NetworkProbe) Latency(ctx context.Context, host string) (time.Duration, error) {
	return p.latency(ctx, "https", host)
}

func (p *NetworkProbe) latency(ctx context.Context, scheme, host string) (time.Duration, error) {
	pingers := p.pingers
	if len(pingers) == 0 {
		pingers = p.defaultPingers(scheme)
	}
	rtt, err := utils.PingFirst(ctx, host, pingers...)
	if err != nil {
		return 0, internal.NewNetworkError("latency probe", err).WithContext("host", host)
	}
	return rtt, nil
}

// Throughput times a GET of up to sampleBytes of rawURL
func (p *NetworkProbe) Throughput(ctx context.Context, rawURL string) (float64, int64, error) {
	req, err := utils.NewRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.sampleBytes-1))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, internal.ClassifyTransportError("throughput probe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, 0, internal.NewStatusError(rawURL, resp.StatusCode, 1)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.sampleBytes))
	if err != nil {
		return 0, n, internal.ClassifyTransportError("throughput probe", err)
	}
	elapsed := time.Since(start).Seconds()
	if n == 0 || elapsed <= 0 {
		return 0, n, internal.NewFetchError(resp.StatusCode, "Throughput sample was empty", internal.ErrInvalidResponse).
			WithURL(rawURL)
	}

	return float64(n) / elapsed, n, nil
}

// Measure runs both measurements against the host of rawURL and recommends
// a worker count for a resource of targetSize bytes
func (p *NetworkProbe) Measure(ctx context.Context, rawURL string, targetSize int64) (*NetworkReport, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, internal.NewInvalidURLError(rawURL, "missing host")
	}

	latency, err := p.latency(ctx, u.Scheme, u.Host)
	if err != nil {
		return nil, err
	}

	throughput, sampled, err := p.Throughput(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	report := &NetworkReport{
		Host:       u.Host,
		Latency:    latency,
		Throughput: throughput,
		Sampled:    sampled,
		TargetSize: targetSize,
		Workers:    RecommendWorkers(targetSize, throughput, latency, p.maxParallel),
	}
	internal.LogDebug("Network probe for %s: latency %v, throughput %.0f B/s, workers %d",
		report.Host, report.Latency, report.Throughput, report.Workers)
	return report, nil
}

// RecommendWorkers sizes chunks to the bandwidth-delay product:
// chunk = ceil(sqrt(throughput * latency)) and workers = ceil(target/chunk),
// clamped to [1, maxParallel]. maxParallel <= 0 means runtime.NumCPU().
func RecommendWorkers(targetSize int64, throughputBps float64, latency time.Duration, maxParallel int) int {
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}
	if targetSize <= 0 {
		return 1
	}

	chunk := math.Ceil(math.Sqrt(throughputBps * latency.Seconds()))
	if chunk < 1 || math.IsNaN(chunk) {
		chunk = 1
	}

	workers := math.Ceil(float64(targetSize) / chunk)
	if workers > float64(maxParallel) {
		return maxParallel
	}
	return max(int(workers), 1)
}
