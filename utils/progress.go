package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"

	"rangefetch/internal"
)

// ProgressTracker renders download progress and implements
// internal.ProgressObserver. Events may arrive from several workers at once.
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	out       io.Writer
	startTime time.Time
	total     int64
	current   int64
	mutex     sync.RWMutex

	// Statistics tracking
	lastUpdate   time.Time
	lastBytes    int64
	speedSamples []float64
	maxSamples   int

	piecesDone  int
	piecesTotal int
	filename    string
	finished    bool
	success     bool
}

var _ internal.ProgressObserver = (*ProgressTracker)(nil)

// DownloadSummary contains final download statistics
type DownloadSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	PeakSpeed    float64 // bytes per second
	Pieces       int // completed
	PiecesTotal  int
	Filename     string
	Success      bool
}

// NewProgressTracker creates a tracker for a resource of total bytes. A
// quiet tracker keeps statistics without drawing anything.
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:        quiet,
		out:          os.Stdout,
		startTime:    time.Now(),
		total:        total,
		lastUpdate:   time.Now(),
		speedSamples: make([]float64, 0),
		maxSamples:   10, // Keep last 10 speed samples for smoothing
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}} {{string . "pieces"}}`
		bar := pb.ProgressBarTemplate(tmpl).Start64(total)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", "Downloading: ")
		tracker.bar = bar
	}

	return tracker
}

// SetOutput redirects the summary
func (p *ProgressTracker) SetOutput(w io.Writer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.out = w
}

// DownloadStarted sets the size learned from the probe
func (p *ProgressTracker) DownloadStarted(totalBytes int64, pieces int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.total = totalBytes
	p.piecesTotal = pieces
	if p.bar != nil {
		p.bar.SetTotal(totalBytes)
		p.bar.Set("pieces", fmt.Sprintf("[0/%d]", pieces))
	}
}

// BytesWritten records n more bytes
func (p *ProgressTracker) BytesWritten(n int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.update(p.current + n)
}

// PieceCompleted records that completed of total pieces are on disk
func (p *ProgressTracker) PieceCompleted(completed, total int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.piecesDone = completed
	p.piecesTotal = total
	if p.bar != nil {
		p.bar.Set("pieces", fmt.Sprintf("[%d/%d]", completed, total))
	}
}

// DownloadFinished stops the bar and prints the summary
func (p *ProgressTracker) DownloadFinished(success bool) {
	p.mutex.Lock()
	p.success = success
	p.mutex.Unlock()

	p.Finish()
}

// Update sets the absolute byte count
func (p *ProgressTracker) Update(current int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.update(current)
}

func (p *ProgressTracker) update(current int64) {
	now := time.Now()
	p.current = current

	if p.bar != nil {
		p.bar.SetCurrent(current)
	}

	// Update speed every 100ms to avoid too frequent updates
	timeDiff := now.Sub(p.lastUpdate).Seconds()
	if timeDiff > 0.1 {
		bytesDiff := current - p.lastBytes
		currentSpeed := float64(bytesDiff) / timeDiff

		p.speedSamples = append(p.speedSamples, currentSpeed)
		if len(p.speedSamples) > p.maxSamples {
			p.speedSamples = p.speedSamples[1:]
		}

		p.lastUpdate = now
		p.lastBytes = current
	}
}

// Finish completes the progress bar and returns download summary. Calls
// after the first return the same statistics without printing again.
func (p *ProgressTracker) Finish() *DownloadSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	totalTime := time.Since(p.startTime)

	var averageSpeed float64
	if totalTime > 0 {
		averageSpeed = float64(p.current) / totalTime.Seconds()
	}

	var peakSpeed float64
	for _, speed := range p.speedSamples {
		if speed > peakSpeed {
			peakSpeed = speed
		}
	}

	summary := &DownloadSummary{
		TotalBytes:   p.current,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		PeakSpeed:    peakSpeed,
		Pieces:       p.piecesDone,
		PiecesTotal:  p.piecesTotal,
		Filename:     p.filename,
		Success:      p.success,
	}

	if p.finished {
		return summary
	}
	p.finished = true

	if p.bar != nil {
		p.bar.Finish()
	}

	if !p.quiet {
		p.displaySummary(summary)
	}

	return summary
}

// displaySummary prints the download summary statistics
func (p *ProgressTracker) displaySummary(summary *DownloadSummary) {
	if !summary.Success {
		fmt.Fprintf(p.out, "\nDownload failed after %v\n", summary.TotalTime.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(p.out, "\n")
	fmt.Fprintf(p.out, "Download completed successfully!\n")
	fmt.Fprintf(p.out, "Total size: %s\n", humanize.IBytes(uint64(summary.TotalBytes)))
	fmt.Fprintf(p.out, "Total time: %v\n", summary.TotalTime.Round(time.Millisecond))
	fmt.Fprintf(p.out, "Average speed: %s/s\n", humanize.IBytes(uint64(summary.AverageSpeed)))
	if summary.PeakSpeed > 0 {
		fmt.Fprintf(p.out, "Peak speed: %s/s\n", humanize.IBytes(uint64(summary.PeakSpeed)))
	}
	if summary.PiecesTotal > 0 {
		fmt.Fprintf(p.out, "Pieces: %s/%s\n", humanize.Comma(int64(summary.Pieces)), humanize.Comma(int64(summary.PiecesTotal)))
	}
	if summary.Filename != "" {
		fmt.Fprintf(p.out, "Saved to: %s\n", summary.Filename)
	}
}

// SetFilename sets the filename for the download summary
func (p *ProgressTracker) SetFilename(filename string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.filename = filename
}

// GetCurrentStats returns current download statistics
func (p *ProgressTracker) GetCurrentStats() (speed float64, eta time.Duration, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	var currentSpeed float64
	if len(p.speedSamples) > 0 {
		// Use last 3 samples for current speed
		sampleCount := min(len(p.speedSamples), 3)
		for i := len(p.speedSamples) - sampleCount; i < len(p.speedSamples); i++ {
			currentSpeed += p.speedSamples[i]
		}
		currentSpeed /= float64(sampleCount)
	}

	var etaTime time.Duration
	if currentSpeed > 0 && p.total > p.current {
		remainingBytes := p.total - p.current
		etaTime = time.Duration(float64(remainingBytes) / currentSpeed * float64(time.Second))
	}

	var percent float64
	if p.total > 0 {
		percent = float64(p.current) / float64(p.total) * 100
	}

	return currentSpeed, etaTime, percent
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// FormatBytes formats a byte count for log lines
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}
