package downloader

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"rangefetch/internal"
	"rangefetch/utils"
)

// State is a step of the download lifecycle
type State int32

const (
	StateIdle State = iota
	StateProbing
	StatePlanning
	StateAllocating
	StateRunning
	StateFinalizing
	StateDone
	StateFailed
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateProbing:
		return "Probing"
	case StatePlanning:
		return "Planning"
	case StateAllocating:
		return "Allocating"
	case StateRunning:
		return "Running"
	case StateFinalizing:
		return "Finalizing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	case StateCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// pieceWorker fetches one planned piece
type pieceWorker interface {
	Run(ctx context.Context) (internal.WorkerResult, error)
}

// Engine downloads one resource at a time into a single output file using
// parallel ranged requests
type Engine struct {
	pool      *utils.ConnectionPool
	fileOps   *utils.FileOperations
	validator *utils.URLValidator

	mu         sync.RWMutex
	cfg        *internal.Config
	onProgress func(float64)
	onDone     func(bool)
	observers  []internal.ProgressObserver

	state  atomic.Int32
	busy   atomic.Bool
	sample *rate.Sometimes
}

var _ internal.Downloader = (*Engine)(nil)

// NewEngine creates an engine. Invalid configuration values are replaced
// with defaults rather than rejected.
func NewEngine(cfg *internal.Config) *Engine {
	if cfg == nil {
		cfg = internal.DefaultConfig()
	}
	cfg = cfg.Clone()
	cfg.Normalize()

	return &Engine{
		pool:      utils.NewConnectionPool(utils.NewClientFactory(utils.ClientOptionsFromConfig(cfg))),
		fileOps:   utils.NewFileOperations(),
		validator: utils.NewURLValidator(),
		cfg:       cfg,
		sample:    &rate.Sometimes{First: 3, Interval: time.Second},
	}
}

// Config returns a copy of the effective configuration
func (e *Engine) Config() *internal.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone()
}

// State reports the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	internal.LogDebug("Engine state %s -> %s", prev, s)
}

// SetProgressCallback registers fn to receive the completed fraction of
// pieces after each piece finishes
func (e *Engine) SetProgressCallback(fn func(float64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

// SetDoneCallback registers fn to be called exactly once per download
func (e *Engine) SetDoneCallback(fn func(bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDone = fn
}

// AddObserver registers an observer for byte and piece events
func (e *Engine) AddObserver(o internal.ProgressObserver) {
	if o == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// SetProxy changes the outbound proxy. Pooled clients are rebuilt on next use.
func (e *Engine) SetProxy(proxy internal.ProxyConfig) {
	e.mu.Lock()
	e.cfg.Proxy = proxy
	factory := utils.NewClientFactory(utils.ClientOptionsFromConfig(e.cfg))
	e.mu.Unlock()

	e.pool.SetFactory(factory)
	e.pool.Clear()
	internal.LogDebug("Proxy set to %s", proxy.String())
}

// PoolSize reports how many pooled clients are alive
func (e *Engine) PoolSize() int {
	return e.pool.Count()
}

// Close releases pooled connections
func (e *Engine) Close() error {
	return e.pool.Close()
}

// download carries the state of one DownloadFile call
type download struct {
	cfg       *internal.Config
	req       *internal.DownloadRequest
	observers []internal.ProgressObserver
	progress  func(float64)
	done      func(bool)
	once      sync.Once
	output    *utils.SharedOutput
}

func (d *download) finish(success bool) {
	d.once.Do(func() {
		for _, o := range d.observers {
			o.DownloadFinished(success)
		}
		if d.done != nil {
			d.done(success)
		}
	})
}

func (d *download) bytesWritten(n int64) {
	for _, o := range d.observers {
		o.BytesWritten(n)
	}
}

func (d *download) pieceCompleted(completed, total int) {
	if d.progress != nil {
		d.progress(float64(completed) / float64(total))
	}
	for _, o := range d.observers {
		o.PieceCompleted(completed, total)
	}
}

// DownloadFile fetches req.URL into req.OutFile. pause may be nil. On any
// failure or cancellation the output file is removed and the returned error
// is the root cause.
func (e *Engine) DownloadFile(ctx context.Context, req *internal.DownloadRequest, pause internal.PauseWaiter) error {
	if req == nil {
		return internal.NewValidationError("request", "download request cannot be nil")
	}
	if !e.busy.CompareAndSwap(false, true) {
		return internal.NewFetchError(0, "Engine is already downloading", internal.ErrConfiguration).
			WithSuggestion("Use one engine per concurrent download")
	}
	defer e.busy.Store(false)

	e.mu.RLock()
	d := &download{
		cfg:       e.cfg.Clone(),
		req:       req,
		observers: append([]internal.ProgressObserver(nil), e.observers...),
		progress:  e.onProgress,
		done:      e.onDone,
	}
	e.mu.RUnlock()

	start := time.Now()
	if err := e.execute(ctx, d, pause); err != nil {
		return e.fail(d, err)
	}

	e.setState(StateDone)
	d.finish(true)
	internal.LogInfo("Downloaded %s (%s) in %v", d.output.Path(), utils.FormatBytes(d.output.Size()), time.Since(start).Round(time.Millisecond))
	return nil
}

func (e *Engine) execute(ctx context.Context, d *download, pause internal.PauseWaiter) error {
	e.setState(StateProbing)
	if err := e.validator.ValidateURL(d.req.URL); err != nil {
		return err
	}
	probe, err := e.probeResource(ctx, d.req.URL, d.req.Headers)
	if err != nil {
		return err
	}

	e.setState(StatePlanning)
	plan, err := NewPlanner(d.cfg.Workers).BuildPlan(probe)
	if err != nil {
		return err
	}
	for _, o := range d.observers {
		o.DownloadStarted(plan.TotalSize, len(plan.Pieces))
	}

	e.setState(StateAllocating)
	path := e.outputPath(d.req, probe)
	if err := e.allocate(d, path, plan.TotalSize); err != nil {
		return err
	}
	internal.LogInfo("Downloading %s to %s (%s, %d piece(s), ranges %v)",
		d.req.URL, path, utils.FormatBytes(plan.TotalSize), len(plan.Pieces), plan.RangeSupported)

	e.setState(StateRunning)
	if err := e.run(ctx, d, plan, pause); err != nil {
		return err
	}

	e.setState(StateFinalizing)
	if err := ctx.Err(); err != nil {
		return internal.NewCancelledError(err)
	}
	if err := d.output.Flush(); err != nil {
		return internal.NewAllocationError(path, err)
	}
	if err := d.output.Close(); err != nil {
		return internal.NewAllocationError(path, err)
	}
	return nil
}

// fail removes any output, fires the done callback and reduces err to the
// cause the caller should see
func (e *Engine) fail(d *download, err error) error {
	e.setState(StateFailed)
	cause := internal.RootCause(err)
	internal.LogErr(cause)

	e.setState(StateCleanup)
	if d.output != nil {
		if rmErr := d.output.Remove(); rmErr != nil {
			internal.LogWarn("Failed to remove partial output %s: %v", d.output.Path(), rmErr)
		}
	}

	e.setState(StateDone)
	d.finish(false)
	return cause
}

func (e *Engine) outputPath(req *internal.DownloadRequest, probe *internal.ProbeResult) string {
	if req.OutFile != "" {
		return req.OutFile
	}
	if probe.Filename != "" {
		return probe.Filename
	}
	return e.validator.FilenameFromURL(req.URL)
}

func (e *Engine) allocate(d *download, path string, size int64) error {
	if err := e.fileOps.EnsureDir(path); err != nil {
		return utils.ClassifyFileError(path, err)
	}
	if err := e.fileOps.CheckSpace(path, size); err != nil {
		return err
	}

	output, err := utils.CreateSharedOutput(path, size)
	if err != nil {
		return utils.ClassifyFileError(path, err)
	}
	d.output = output

	if !output.Mapped() && size > 0 {
		internal.LogDebug("Output %s is not memory mapped, using positional writes", path)
	}
	return nil
}

// run dispatches every piece with at most cfg.Workers in flight. The first
// failure cancels the rest and no piece starts after cancellation.
func (e *Engine) run(ctx context.Context, d *download, plan *internal.DownloadPlan, pause internal.PauseWaiter) error {
	total := len(plan.Pieces)
	if total == 0 {
		return nil
	}

	workers := min(d.cfg.Workers, total)
	env := &workerEnv{
		url:     d.req.URL,
		headers: d.req.Headers,
		total:   plan.TotalSize,
		pool:    e.pool,
		output:  d.output,
		pause:   pause,
		buffers: newBufferPool(d.cfg.BufferSize),
		bps:     utils.SplitBudget(d.cfg.BytesPerSecond, workers),
		onBytes: d.bytesWritten,
		sample:  e.sample,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var completed atomic.Int64
	for _, piece := range plan.Pieces {
		if gctx.Err() != nil {
			break
		}

		var w pieceWorker
		if plan.RangeSupported {
			w = &RangeWorker{env: env, piece: piece}
		} else {
			w = &DefaultWorker{env: env}
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return internal.NewCancelledError(err)
			}
			if _, err := w.Run(gctx); err != nil {
				return err
			}
			d.pieceCompleted(int(completed.Add(1)), total)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return internal.NewCancelledError(err)
	}
	return nil
}

// probeResource learns the size and range support of rawURL. HEAD is tried
// first; servers that refuse it are asked with a GET whose body is dropped.
func (e *Engine) probeResource(ctx context.Context, rawURL string, headers map[string]string) (*internal.ProbeResult, error) {
	resp, err := e.probeRequest(ctx, http.MethodHead, rawURL, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp.Close()
		internal.LogDebug("HEAD refused with %d, probing %s with GET", resp.StatusCode, rawURL)
		if resp, err = e.probeRequest(ctx, http.MethodGet, rawURL, headers); err != nil {
			return nil, err
		}
	}
	defer resp.Close()

	if !resp.Success() {
		return nil, internal.NewProbeError(rawURL, resp.StatusCode,
			internal.NewStatusError(rawURL, resp.StatusCode, resp.Attempts))
	}

	h := resp.Response.Header
	result := &internal.ProbeResult{
		TotalSize:      resp.Response.ContentLength,
		RangeSupported: acceptsByteRanges(h.Values("Accept-Ranges")),
		ContentType:    h.Get("Content-Type"),
		Filename:       e.validator.FilenameFromContentDisposition(h.Get("Content-Disposition")),
		StatusCode:     resp.StatusCode,
	}
	internal.LogDebug("Probe %s: size %d, ranges %v, type %q", rawURL, result.TotalSize, result.RangeSupported, result.ContentType)
	return result, nil
}

func (e *Engine) probeRequest(ctx context.Context, method, rawURL string, headers map[string]string) (*utils.RetryResult, error) {
	req, err := utils.NewRequest(ctx, method, rawURL, headers)
	if err != nil {
		return nil, err
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}

	key := utils.PoolKey(rawURL)
	client, err := e.pool.Rent(key)
	if err != nil {
		return nil, err
	}
	defer e.pool.Return(key, client)

	resp, err := client.Send(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, internal.NewCancelledError(ctx.Err())
		}
		return nil, internal.NewProbeError(rawURL, 0, err)
	}
	return resp, nil
}

func acceptsByteRanges(values []string) bool {
	for _, v := range values {
		for _, unit := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(unit), "bytes") {
				return true
			}
		}
	}
	return false
}

// MeasureNetwork probes latency and throughput to the host of rawURL and
// recommends a worker count for the resource it names
func (e *Engine) MeasureNetwork(ctx context.Context, rawURL string) (*NetworkReport, error) {
	if err := e.validator.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	probe, err := e.probeResource(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}

	client, err := e.pool.Rent(utils.PoolKey(rawURL))
	if err != nil {
		return nil, err
	}
	defer e.pool.Return(utils.PoolKey(rawURL), client)

	np := NewNetworkProbe(client.HTTP)
	report, err := np.Measure(ctx, rawURL, max(probe.TotalSize, 0))
	if err != nil {
		return nil, fmt.Errorf("measure network: %w", err)
	}
	return report, nil
}

// OptimalWorkers returns the advised worker count for rawURL
func (e *Engine) OptimalWorkers(ctx context.Context, rawURL string) (int, error) {
	report, err := e.MeasureNetwork(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	return report.Workers, nil
}
