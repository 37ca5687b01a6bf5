package internal

import (
	"context"
	"time"
)

// Downloader fetches one resource into one output file
type Downloader interface {
	DownloadFile(ctx context.Context, req *DownloadRequest, pause PauseWaiter) error
}

// PauseWaiter blocks while a download is paused
type PauseWaiter interface {
	Wait(ctx context.Context) error
	IsPaused() bool
}

// ProgressObserver receives progress events from the engine. Calls may
// arrive concurrently from several workers.
type ProgressObserver interface {
	DownloadStarted(totalBytes int64, pieces int)
	BytesWritten(n int64)
	PieceCompleted(completed, total int)
	DownloadFinished(success bool)
}

// Pinger measures round-trip latency to a host
type Pinger interface {
	Ping(ctx context.Context, host string) (time.Duration, error)
}
