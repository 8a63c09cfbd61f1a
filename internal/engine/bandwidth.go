package engine

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/time/rate"
)

// burstMultiplier controls the token bucket burst size relative to the
// per-second rate. A 2x burst allows short savings to be spent on the next
// read without reducing sustained throughput below the configured limit.
const burstMultiplier = 2

// BandwidthLimiter provides shared rate limiting across all upload workers.
// A single limiter is shared by all concurrent chunk uploads, so aggregate
// throughput stays within the configured limit. A nil limiter is valid and
// means unlimited.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

// NewBandwidthLimiter creates a limiter for bytesPerSec. Returns nil
// (unlimited) when bytesPerSec is zero.
func NewBandwidthLimiter(bytesPerSec int64, logger *slog.Logger) *BandwidthLimiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

// WrapReader returns a rate-limited io.Reader. Nil-safe: a nil limiter
// returns r unchanged.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &rateLimitedReader{r: r, limiter: bl.limiter, ctx: ctx}
}

// rateLimitedReader wraps an io.Reader with token bucket rate limiting.
// After each successful read, it blocks until the limiter allows the bytes
// consumed.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized chunks.
// rate.Limiter.WaitN rejects requests exceeding the burst size, so we loop.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
