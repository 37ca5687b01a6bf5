package utils

import (
	"context"
	"io"
	"time"

	"rangefetch/internal"
)

// minGateBytesPerSecond keeps a divided budget from collapsing into the
// unlimited sentinel
const minGateBytesPerSecond int64 = 2

// ThrottleGate caps the average read rate of a stream. After every read it
// sleeps until elapsed time catches up with processed/maxBps; there is no
// burst allowance.
type ThrottleGate struct {
	ctx       context.Context
	rc        io.ReadCloser
	maxBps    int64
	processed int64
	start     time.Time
}

// NewThrottleGate wraps rc. A maxBps of 1 or less disables throttling and
// returns rc unchanged.
func NewThrottleGate(ctx context.Context, rc io.ReadCloser, maxBps int64) io.ReadCloser {
	if maxBps <= internal.UnlimitedBytesPerSecond {
		return rc
	}
	return &ThrottleGate{
		ctx:    ctx,
		rc:     rc,
		maxBps: maxBps,
		start:  time.Now(),
	}
}

func (g *ThrottleGate) Read(p []byte) (int, error) {
	n, err := g.rc.Read(p)
	if n <= 0 {
		return n, err
	}

	g.processed += int64(n)
	target := time.Duration(float64(g.processed) / float64(g.maxBps) * float64(time.Second))
	if wait := target - time.Since(g.start); wait > 0 {
		if serr := sleepContext(g.ctx, wait); serr != nil {
			return n, serr
		}
	}
	return n, err
}

// Exclude shifts the rate baseline by d so time spent away from Read, such
// as a pause, earns no burst credit
func (g *ThrottleGate) Exclude(d time.Duration) {
	if d > 0 {
		g.start = g.start.Add(d)
	}
}

// Close closes the wrapped stream
func (g *ThrottleGate) Close() error {
	return g.rc.Close()
}

// SplitBudget divides a total bytes/sec budget between concurrent gates.
// An unlimited budget stays unlimited.
func SplitBudget(total int64, gates int) int64 {
	if total <= internal.UnlimitedBytesPerSecond {
		return internal.UnlimitedBytesPerSecond
	}
	if gates < 1 {
		gates = 1
	}
	per := total / int64(gates)
	if per < minGateBytesPerSecond {
		per = minGateBytesPerSecond
	}
	return per
}
