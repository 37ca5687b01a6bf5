package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rangefetch/internal"
	"rangefetch/utils"
)

// workerEnv is what every worker of one download shares
type workerEnv struct {
	url     string
	headers map[string]string
	total   int64

	pool   *utils.ConnectionPool
	output *utils.SharedOutput
	pause  internal.PauseWaiter

	buffers *sync.Pool
	bps     int64 // per-worker throttle budget

	onBytes func(n int64)
	sample  *rate.Sometimes
}

func newBufferPool(size int) *sync.Pool {
	if size <= 0 {
		size = internal.DefaultBufferSize
	}
	return &sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

// waitPause blocks while the gate is paused
func (env *workerEnv) waitPause(ctx context.Context) error {
	if env.pause == nil {
		return nil
	}
	if err := env.pause.Wait(ctx); err != nil {
		return internal.NewCancelledError(err)
	}
	return nil
}

// send rents a client, performs req and hands the client back. The caller
// owns the returned result's body.
func (env *workerEnv) send(req *http.Request) (*utils.RetryResult, error) {
	key := utils.PoolKey(env.url)
	client, err := env.pool.Rent(key)
	if err != nil {
		return nil, err
	}
	defer env.pool.Return(key, client)

	result, err := client.Send(req)
	if err != nil {
		return nil, internal.ClassifyTransportError(req.Method+" "+key, err)
	}
	return result, nil
}

// stream copies body into view in buffer-sized chunks, pausing between
// chunks when asked to
func (env *workerEnv) stream(ctx context.Context, view *utils.WriteView, body io.Reader) (int64, error) {
	bufp := env.buffers.Get().(*[]byte)
	defer env.buffers.Put(bufp)
	buf := *bufp

	gate, _ := body.(*utils.ThrottleGate)

	var written int64
	for {
		paused := time.Now()
		if err := env.waitPause(ctx); err != nil {
			return written, err
		}
		if gate != nil && env.pause != nil {
			gate.Exclude(time.Since(paused))
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			w, writeErr := view.Write(buf[:n])
			written += int64(w)
			if w > 0 && env.onBytes != nil {
				env.onBytes(int64(w))
			}
			if writeErr != nil {
				return written, writeErr
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, internal.NewCancelledError(ctx.Err())
			}
			return written, internal.ClassifyTransportError("reading response body", readErr)
		}
	}
}

// RangeWorker downloads one piece with a ranged GET
type RangeWorker struct {
	env   *workerEnv
	piece internal.Piece
}

// Run fetches the piece into its slice of the shared output
func (w *RangeWorker) Run(ctx context.Context) (internal.WorkerResult, error) {
	env := w.env
	result := internal.WorkerResult{PieceIndex: w.piece.Index}

	if err := env.waitPause(ctx); err != nil {
		return result, err
	}

	req, err := utils.NewRequest(ctx, http.MethodGet, env.url, env.headers)
	if err != nil {
		return result, err
	}
	req.Header.Set("Range", w.piece.RangeHeader())

	resp, err := env.send(req)
	if err != nil {
		return result, err
	}
	defer resp.Close()

	expected := w.piece.Len(env.total)
	if err := w.checkResponse(resp, expected); err != nil {
		return result, err
	}

	if err := env.waitPause(ctx); err != nil {
		return result, err
	}

	view, err := env.output.View(w.piece.Start, expected)
	if err != nil {
		return result, internal.NewAllocationError(env.output.Path(), err)
	}
	defer view.Release()

	body := utils.NewThrottleGate(ctx, resp.Response.Body, env.bps)
	written, err := env.stream(ctx, view, body)
	result.BytesWritten = written
	if errors.Is(err, utils.ErrViewOverflow) {
		return result, internal.NewWriteOverflowError(w.piece.Index, written+1, expected).WithURL(env.url)
	}
	if err != nil {
		return result, err
	}
	if written < expected {
		return result, shortBodyError(env.url, w.piece.Index, written, expected)
	}

	if err := view.Flush(); err != nil {
		return result, internal.NewAllocationError(env.output.Path(), err)
	}

	env.sample.Do(func() {
		internal.LogDebug("Piece %d (%s) done: %d bytes in %d attempt(s)", w.piece.Index, w.piece.RangeHeader(), written, resp.Attempts)
	})

	result.Success = true
	return result, nil
}

// checkResponse accepts 206, or 200 when the piece spans the whole resource,
// and rejects bodies that cannot fit the piece
func (w *RangeWorker) checkResponse(resp *utils.RetryResult, expected int64) error {
	url := w.env.url

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		if cr := resp.Response.Header.Get("Content-Range"); cr != "" {
			start, _, _, err := ParseContentRange(cr)
			if err != nil {
				return internal.NewFetchError(resp.StatusCode, "Malformed Content-Range", internal.ErrInvalidResponse).
					WithURL(url).
					WithCause(err)
			}
			if start != w.piece.Start {
				return internal.NewFetchError(resp.StatusCode,
					fmt.Sprintf("Server answered range %d, requested %d", start, w.piece.Start), internal.ErrInvalidResponse).
					WithURL(url).
					WithContext("piece", w.piece.Index)
			}
		}
	case resp.StatusCode == http.StatusOK && w.piece.Start == 0 && expected == w.env.total:
	case resp.Success():
		return internal.NewFetchError(resp.StatusCode, "Server ignored the Range header", internal.ErrInvalidResponse).
			WithURL(url).
			WithSuggestion("Retry with a single worker").
			WithContext("piece", w.piece.Index)
	default:
		return internal.NewStatusError(url, resp.StatusCode, resp.Attempts).
			WithContext("piece", w.piece.Index)
	}

	if cl := resp.Response.ContentLength; cl > expected {
		return internal.NewWriteOverflowError(w.piece.Index, cl, expected).WithURL(url)
	}
	return nil
}

// DefaultWorker downloads the whole resource with one unranged GET. It is
// used when the server does not advertise byte ranges.
type DefaultWorker struct {
	env *workerEnv
}

// Run fetches the resource into the whole shared output
func (w *DefaultWorker) Run(ctx context.Context) (internal.WorkerResult, error) {
	env := w.env
	result := internal.WorkerResult{PieceIndex: 0}

	if err := env.waitPause(ctx); err != nil {
		return result, err
	}

	req, err := utils.NewRequest(ctx, http.MethodGet, env.url, env.headers)
	if err != nil {
		return result, err
	}
	// transparent gzip would hide the length the output was sized to
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := env.send(req)
	if err != nil {
		return result, err
	}
	defer resp.Close()

	if !resp.Success() {
		return result, internal.NewStatusError(env.url, resp.StatusCode, resp.Attempts)
	}

	cl := resp.Response.ContentLength
	if cl < 0 {
		return result, internal.NewFetchError(resp.StatusCode, "Response length is unknown", internal.ErrInvalidResponse).
			WithURL(env.url).
			WithSuggestion("The server streamed the body without a Content-Length")
	}
	if cl > env.total {
		return result, internal.NewWriteOverflowError(0, cl, env.total).WithURL(env.url)
	}

	if err := env.waitPause(ctx); err != nil {
		return result, err
	}

	view, err := env.output.View(0, env.total)
	if err != nil {
		return result, internal.NewAllocationError(env.output.Path(), err)
	}
	defer view.Release()

	body := utils.NewThrottleGate(ctx, resp.Response.Body, env.bps)
	written, err := env.stream(ctx, view, body)
	result.BytesWritten = written
	if errors.Is(err, utils.ErrViewOverflow) {
		return result, internal.NewWriteOverflowError(0, written+1, env.total).WithURL(env.url)
	}
	if err != nil {
		return result, err
	}
	if written < env.total {
		return result, shortBodyError(env.url, 0, written, env.total)
	}

	if err := view.Flush(); err != nil {
		return result, internal.NewAllocationError(env.output.Path(), err)
	}

	result.Success = true
	return result, nil
}

func shortBodyError(url string, index int, got, want int64) *internal.FetchError {
	return internal.NewFetchError(0, fmt.Sprintf("Piece %d ended after %d of %d bytes", index, got, want), internal.ErrInvalidResponse).
		WithURL(url).
		WithContext("piece", index)
}

// ParseContentRange parses "bytes start-end/total". An unknown total ("*")
// is returned as -1.
func ParseContentRange(header string) (start, end, total int64, err error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unsupported Content-Range unit: %q", header)
	}

	rng, size, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("missing total in Content-Range: %q", header)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range total %q: %w", size, err)
		}
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range span: %q", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start %q: %w", first, err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end %q: %w", last, err)
	}
	if end < start || (total >= 0 && end >= total) {
		return 0, 0, 0, fmt.Errorf("inconsistent Content-Range: %q", header)
	}
	return start, end, total, nil
}
