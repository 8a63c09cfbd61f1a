package engine

import (
	"context"
	"errors"
	"io/fs"
	"net"

	"github.com/updrive/updrive/internal/auth"
	"github.com/updrive/updrive/internal/graph"
)

// failureKind buckets a chunk upload error by how the executor should react.
type failureKind int

const (
	// failureTransient covers network errors and 5xx responses: retry the
	// chunk with backoff.
	failureTransient failureKind = iota

	// failureRateLimited is a 429: retry, but honor the server's
	// Retry-After delay instead of the backoff schedule.
	failureRateLimited

	// failureAuth is a 401 on a chunk or metadata call: force one token
	// refresh and retry once before giving up.
	failureAuth

	// failureAuthExpired means the refresh token itself was rejected.
	// No retry helps; the session stays paused until the user re-logs-in.
	failureAuthExpired

	// failureSessionExpired means the server session is gone (404/410).
	// The executor creates a replacement session and restarts at zero.
	failureSessionExpired

	// failureChunkMismatch is a 416: local and server offsets disagree.
	// The executor re-queries the session and continues from the server's
	// expected offset.
	failureChunkMismatch

	// failureLocalIO is a local filesystem error: not retried, the file
	// is gone or unreadable.
	failureLocalIO

	// failureCanceled is context cancellation: the session is suspended,
	// not failed.
	failureCanceled

	// failureFatal is everything else: fail the session.
	failureFatal
)

// classifyFailure maps an error from a chunk upload (or session call) to
// the executor's reaction.
func classifyFailure(err error) failureKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failureCanceled

	case errors.Is(err, auth.ErrAuthExpired), errors.Is(err, auth.ErrNotLoggedIn):
		return failureAuthExpired

	case errors.Is(err, graph.ErrSessionExpired):
		return failureSessionExpired

	case errors.Is(err, graph.ErrRangeNotSatisfiable):
		return failureChunkMismatch

	case errors.Is(err, graph.ErrThrottled):
		return failureRateLimited

	case errors.Is(err, graph.ErrUnauthorized):
		return failureAuth

	case errors.Is(err, graph.ErrServerError):
		return failureTransient

	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return failureLocalIO
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return failureLocalIO
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return failureTransient
	}

	// Request-level failures from the HTTP client (connection reset, DNS)
	// come wrapped in url.Error, which implements net.Error. Anything
	// still unmatched that carries a Graph status is a hard API error.
	var ge *graph.GraphError
	if errors.As(err, &ge) {
		if ge.StatusCode >= 500 {
			return failureTransient
		}

		return failureFatal
	}

	return failureFatal
}
