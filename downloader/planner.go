package downloader

import (
	"fmt"

	"rangefetch/internal"
)

// ComputePieces splits [0, totalSize) into inclusive byte ranges for
// workerCount workers. With partSize = totalSize/workerCount and boundaries
// b_i = i*partSize, piece 0 is [0, b_1], piece i is [b_i+1, b_(i+1)] and the
// last piece ends at totalSize itself, one past the final byte, so it also
// absorbs the remainder. 1000 bytes over 4 workers gives
// [0,250] [251,500] [501,750] [751,1000]. Resources too small to give every
// worker two bytes get fewer pieces. A totalSize of zero yields no pieces.
func ComputePieces(totalSize int64, workerCount int) []internal.Piece {
	if totalSize <= 0 {
		return []internal.Piece{}
	}
	if workerCount < 1 {
		workerCount = 1
	}
	if totalSize/int64(workerCount) < 2 {
		workerCount = max(1, int(totalSize/2))
	}

	partSize := totalSize / int64(workerCount)
	pieces := make([]internal.Piece, workerCount)

	for i := range pieces {
		start := int64(i) * partSize
		if i > 0 {
			start++
		}
		end := int64(i+1) * partSize
		if i == workerCount-1 {
			end = totalSize
		}
		pieces[i] = internal.Piece{Index: i, Start: start, End: end}
	}

	return pieces
}

// Planner turns probe results into download plans
type Planner struct {
	workers int
}

// NewPlanner creates a planner dispatching to workers workers
func NewPlanner(workers int) *Planner {
	if workers < 1 {
		workers = 1
	}
	return &Planner{workers: workers}
}

// Workers returns the worker count the planner splits for
func (p *Planner) Workers() int {
	return p.workers
}

// BuildPlan creates the plan for a probed resource. Without range support
// the whole resource is one piece regardless of the worker count.
func (p *Planner) BuildPlan(probe *internal.ProbeResult) (*internal.DownloadPlan, error) {
	if probe == nil {
		return nil, fmt.Errorf("probe result cannot be nil")
	}
	if probe.TotalSize < 0 {
		return nil, internal.NewFetchError(0, "Resource size is unknown", internal.ErrInvalidResponse).
			WithSuggestion("The server did not report a Content-Length; segmented download is not possible")
	}

	plan := &internal.DownloadPlan{
		TotalSize:      probe.TotalSize,
		RangeSupported: probe.RangeSupported,
	}

	switch {
	case probe.TotalSize == 0:
		plan.Pieces = []internal.Piece{}
	case !probe.RangeSupported:
		plan.Pieces = []internal.Piece{{Index: 0, Start: 0, End: probe.TotalSize - 1}}
	default:
		plan.Pieces = ComputePieces(probe.TotalSize, p.workers)
		if err := ValidatePieces(plan.Pieces, probe.TotalSize); err != nil {
			return nil, fmt.Errorf("invalid plan: %w", err)
		}
	}

	return plan, nil
}

// ValidatePieces checks that pieces are ordered, contiguous and cover
// [0, totalSize) exactly once
func ValidatePieces(pieces []internal.Piece, totalSize int64) error {
	if totalSize == 0 {
		if len(pieces) != 0 {
			return fmt.Errorf("empty resource must have no pieces, got %d", len(pieces))
		}
		return nil
	}
	if len(pieces) == 0 {
		return fmt.Errorf("no pieces for %d bytes", totalSize)
	}

	next := int64(0)
	var covered int64
	for i, p := range pieces {
		if p.Index != i {
			return fmt.Errorf("piece %d has index %d", i, p.Index)
		}
		if p.Start != next {
			return fmt.Errorf("piece %d starts at %d, want %d", i, p.Start, next)
		}
		if p.End < p.Start {
			return fmt.Errorf("piece %d ends before it starts", i)
		}
		covered += p.Len(totalSize)
		next = p.End + 1
	}
	if next < totalSize {
		return fmt.Errorf("pieces end at %d, short of %d", next, totalSize)
	}
	if covered != totalSize {
		return fmt.Errorf("pieces cover %d bytes, want %d", covered, totalSize)
	}
	return nil
}
