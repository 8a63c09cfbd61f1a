// Package chunk computes the byte ranges for resumable uploads. Ranges are
// always derived from the confirmed offset, never persisted — on resume the
// next range is recomputed from whatever offset the remote last acknowledged.
package chunk

import "fmt"

// Alignment is the required granularity for upload chunk sizes (320 KiB).
// The upload API rejects intermediate chunks that are not a multiple of this
// value. Every chunk except the final one must be aligned.
const Alignment = 320 * 1024

// DefaultSize is the chunk size used when no chunk_size is configured (10 MiB,
// which is 32 alignment units).
const DefaultSize = 10 * 1024 * 1024

// Range is a half-open byte range [Start, End) within a file.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Planner computes successive upload ranges for a fixed chunk size.
type Planner struct {
	chunkSize int64
}

// NewPlanner validates the chunk size and returns a Planner. The size must be
// positive and a multiple of Alignment. Misconfiguration is caught here, at
// startup, not per upload.
func NewPlanner(chunkSize int64) (*Planner, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk: size must be positive, got %d", chunkSize)
	}

	if chunkSize%Alignment != 0 {
		return nil, fmt.Errorf("chunk: size %d is not a multiple of %d (320 KiB)", chunkSize, Alignment)
	}

	return &Planner{chunkSize: chunkSize}, nil
}

// Size returns the configured chunk size.
func (p *Planner) Size() int64 {
	return p.chunkSize
}

// NextRange returns the next byte range to upload given the confirmed offset,
// or ok=false when the upload is complete (confirmedOffset == totalSize).
func (p *Planner) NextRange(confirmedOffset, totalSize int64) (Range, bool) {
	if confirmedOffset >= totalSize {
		return Range{}, false
	}

	end := confirmedOffset + p.chunkSize
	if end > totalSize {
		end = totalSize
	}

	return Range{Start: confirmedOffset, End: end}, true
}

// Count returns the total number of chunks a file of totalSize splits into.
// Zero-byte files have zero chunks.
func (p *Planner) Count(totalSize int64) int64 {
	if totalSize <= 0 {
		return 0
	}

	return (totalSize + p.chunkSize - 1) / p.chunkSize
}
