package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/updrive/updrive/internal/chunk"
	"github.com/updrive/updrive/internal/graph"
	"github.com/updrive/updrive/internal/store"
	"github.com/updrive/updrive/pkg/quickxorhash"
)

// Uploader is the slice of the Graph API the executor needs. Consumer-side
// interface so tests can run without HTTP.
type Uploader interface {
	CreateUploadSession(ctx context.Context, remotePath, conflictBehavior string, mtime time.Time) (*graph.UploadSession, error)
	UploadChunk(ctx context.Context, session *graph.UploadSession, chunk io.Reader, offset, length, total int64) (*graph.ChunkResult, error)
	QueryUploadSession(ctx context.Context, session *graph.UploadSession) (*graph.UploadSessionStatus, error)
	CancelUploadSession(ctx context.Context, session *graph.UploadSession) error
	SimpleUpload(ctx context.Context, remotePath string, r io.Reader, size int64) (*graph.Item, error)
}

// TokenRefresher forces a token refresh after a 401, which means the cached
// access token was invalidated before its stated expiry.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// Executor retry/backoff constants, for chunk-level retries. The HTTP
// client retries individual requests; this layer retries chunks, with a
// session re-query between attempts.
const (
	chunkBaseBackoff    = 2 * time.Second
	chunkMaxBackoff     = 60 * time.Second
	chunkBackoffFactor  = 2.0
	chunkJitterFraction = 0.25
)

// Executor drives one session from its current offset to completion. It is
// stateless across sessions; the manager shares one executor among all
// workers.
type Executor struct {
	uploader  Uploader
	refresher TokenRefresher // nil when auth recovery is unavailable
	store     *store.Store
	limiter   *BandwidthLimiter
	logger    *slog.Logger

	maxChunkRetries int

	// emit publishes progress events; nil disables them.
	emit func(Event)

	// sleepFunc and now are stubbed in tests.
	sleepFunc func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewExecutor creates an executor. limiter may be nil (unlimited), refresher
// may be nil (no 401 recovery), emit may be nil (no events).
func NewExecutor(
	uploader Uploader,
	refresher TokenRefresher,
	st *store.Store,
	limiter *BandwidthLimiter,
	maxChunkRetries int,
	emit func(Event),
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		uploader:        uploader,
		refresher:       refresher,
		store:           st,
		limiter:         limiter,
		maxChunkRetries: maxChunkRetries,
		emit:            emit,
		logger:          logger,
		sleepFunc:       sleepCtx,
		now:             time.Now,
	}
}

// Run uploads the session's file until it completes, pauses, or fails.
// A context cancellation suspends the session (persisted as paused) and
// returns nil: interruption is a normal outcome, not an error.
func (e *Executor) Run(ctx context.Context, sess *Session) error {
	log := e.logger.With(
		slog.String("session_id", sess.ID),
		slog.String("local_path", sess.LocalPath),
		slog.String("remote_path", sess.RemotePath),
	)

	info, err := os.Stat(sess.LocalPath)
	if err != nil {
		return e.failSession(ctx, sess, fmt.Errorf("stat %s: %w", sess.LocalPath, err), log)
	}

	// A file that changed since the session was created invalidates any
	// partial progress: offsets into the old content are meaningless.
	if e.fileChanged(sess, info) {
		log.Warn("local file changed since session creation, restarting",
			slog.Int64("old_size", sess.TotalSize),
			slog.Int64("new_size", info.Size()),
		)

		e.cancelRemote(ctx, sess)
		sess.Expire()
		sess.ConfirmedOffset = 0
		sess.TotalSize = info.Size()
		sess.Mtime = info.ModTime()
	}

	if err := sess.Start(); err != nil {
		return err
	}

	if err := e.persist(ctx, sess); err != nil {
		return err
	}

	e.publish(sess, EventStarted, 0, "")

	f, err := os.Open(sess.LocalPath)
	if err != nil {
		return e.failSession(ctx, sess, fmt.Errorf("opening %s: %w", sess.LocalPath, err), log)
	}
	defer f.Close()

	if sess.TotalSize <= graph.SimpleUploadMaxSize {
		return e.runSimple(ctx, sess, f, log)
	}

	return e.runChunked(ctx, sess, f, log)
}

// fileChanged reports whether the on-disk file no longer matches the
// session's recorded size and mtime. Mtime is compared at second precision,
// the store's resolution.
func (e *Executor) fileChanged(sess *Session, info os.FileInfo) bool {
	return info.Size() != sess.TotalSize || info.ModTime().Unix() != sess.Mtime.Unix()
}

// runSimple uploads a small file with a single PUT. No server session is
// involved; retries restart the whole body.
func (e *Executor) runSimple(ctx context.Context, sess *Session, f *os.File, log *slog.Logger) error {
	for {
		reader := e.limiter.WrapReader(ctx, io.NewSectionReader(f, 0, sess.TotalSize))

		_, err := e.uploader.SimpleUpload(ctx, sess.RemotePath, reader, sess.TotalSize)
		if err == nil {
			sess.RecordChunkSuccess(sess.TotalSize)
			return e.completeSession(ctx, sess, log)
		}

		retry, handleErr := e.handleFailure(ctx, sess, err, log)
		if handleErr != nil || !retry {
			return handleErr
		}
	}
}

// runChunked drives the resumable upload session chunk by chunk.
func (e *Executor) runChunked(ctx context.Context, sess *Session, f *os.File, log *slog.Logger) error {
	planner, err := chunk.NewPlanner(sess.ChunkSize)
	if err != nil {
		return e.failSession(ctx, sess, err, log)
	}

	if err := e.ensureRemoteSession(ctx, sess, log); err != nil {
		return err
	}

	remote := &graph.UploadSession{UploadURL: sess.UploadURL, ExpirationTime: sess.ExpiresAt}

	for {
		if ctx.Err() != nil {
			return e.suspendSession(context.WithoutCancel(ctx), sess, log)
		}

		rng, ok := planner.NextRange(sess.ConfirmedOffset, sess.TotalSize)
		if !ok {
			// All bytes confirmed but no final-chunk item seen (resume
			// landed exactly at EOF). The server has everything.
			return e.completeSession(ctx, sess, log)
		}

		reader := e.limiter.WrapReader(ctx, io.NewSectionReader(f, rng.Start, rng.Len()))

		started := e.now()

		result, err := e.uploader.UploadChunk(ctx, remote, reader, rng.Start, rng.Len(), sess.TotalSize)
		if err != nil {
			retry, handleErr := e.handleFailure(ctx, sess, err, log)
			if handleErr != nil || !retry {
				return handleErr
			}

			// The session URL may have been renewed.
			remote.UploadURL = sess.UploadURL
			remote.ExpirationTime = sess.ExpiresAt

			continue
		}

		if result.Done {
			sess.RecordChunkSuccess(sess.TotalSize)
			e.verifyContentHash(sess, result.Item, log)

			return e.completeSession(ctx, sess, log)
		}

		prev := sess.ConfirmedOffset
		sess.RecordChunkSuccess(result.NextOffset)

		if sess.ConfirmedOffset <= prev {
			// An accepted chunk whose reported offset does not move
			// forward would re-send the same range forever. Back off
			// and spend a retry so a stuck server eventually fails
			// the session.
			delay := e.backoff(sess.retries)

			log.Warn("server did not advance the upload offset",
				slog.Int64("confirmed_offset", prev),
				slog.Int64("reported_offset", result.NextOffset),
				slog.Duration("delay", delay),
			)

			if err := e.sleepFunc(ctx, delay); err != nil {
				return e.suspendSession(context.WithoutCancel(ctx), sess, log)
			}

			retry, retryErr := e.consumeRetry(ctx, sess,
				fmt.Errorf("server did not advance past offset %d", prev), log)
			if retryErr != nil || !retry {
				return retryErr
			}

			continue
		}

		if err := e.persist(ctx, sess); err != nil {
			return err
		}

		elapsed := e.now().Sub(started)
		speed := 0.0
		if elapsed > 0 {
			speed = float64(rng.Len()) / elapsed.Seconds()
		}

		e.publish(sess, EventProgress, speed, "")

		log.Debug("chunk confirmed",
			slog.Int64("confirmed_offset", sess.ConfirmedOffset),
			slog.Int64("total_size", sess.TotalSize),
		)
	}
}

// ensureRemoteSession creates the server session if the local session has
// never had one, or reconciles the offset with the server when resuming.
func (e *Executor) ensureRemoteSession(ctx context.Context, sess *Session, log *slog.Logger) error {
	if sess.UploadURL == "" {
		return e.createRemoteSession(ctx, sess, log)
	}

	remote := &graph.UploadSession{UploadURL: sess.UploadURL, ExpirationTime: sess.ExpiresAt}

	status, err := e.uploader.QueryUploadSession(ctx, remote)
	if err != nil {
		if errors.Is(err, graph.ErrSessionExpired) {
			log.Warn("stored upload session expired, creating replacement")
			e.publish(sess, EventExpired, 0, "upload session expired")
			sess.Expire()

			if err := e.persist(ctx, sess); err != nil {
				return err
			}

			return e.createRemoteSession(ctx, sess, log)
		}

		_, handleErr := e.handleFailure(ctx, sess, err, log)
		if handleErr != nil {
			return handleErr
		}

		// Transient query failure: proceed with the locally recorded
		// offset; a mismatch surfaces as a 416 and reconciles there.
		return nil
	}

	// The server's next expected byte is authoritative. It is normally at
	// or ahead of the local offset (a chunk whose ack was lost).
	if status.NextOffset != sess.ConfirmedOffset {
		log.Info("reconciled offset with server",
			slog.Int64("local_offset", sess.ConfirmedOffset),
			slog.Int64("server_offset", status.NextOffset),
		)

		sess.ConfirmedOffset = max(sess.ConfirmedOffset, status.NextOffset)
	}

	return nil
}

// createRemoteSession asks the server for a fresh upload session and
// persists it. Progress restarts from zero.
func (e *Executor) createRemoteSession(ctx context.Context, sess *Session, log *slog.Logger) error {
	remote, err := e.uploader.CreateUploadSession(ctx, sess.RemotePath, sess.ConflictBehavior, sess.Mtime)
	if err != nil {
		retry, handleErr := e.handleFailure(ctx, sess, err, log)
		if handleErr != nil {
			return handleErr
		}

		if retry {
			return e.createRemoteSession(ctx, sess, log)
		}

		return nil
	}

	sess.Renew(remote.UploadURL, remote.ExpirationTime)

	log.Info("upload session created",
		slog.Time("expires", remote.ExpirationTime),
	)

	return e.persist(ctx, sess)
}

// handleFailure reacts to a chunk (or session call) error. It returns
// (true, nil) when the caller should retry, and (false, err) when the run
// is over — the session has already been transitioned and persisted.
func (e *Executor) handleFailure(ctx context.Context, sess *Session, cause error, log *slog.Logger) (bool, error) {
	switch classifyFailure(cause) {
	case failureCanceled:
		return false, e.suspendSession(context.WithoutCancel(ctx), sess, log)

	case failureAuthExpired:
		log.Warn("authorization expired, suspending session")
		sess.Pause()
		sess.ErrorMsg = "authorization expired, login required"

		if err := e.persist(ctx, sess); err != nil {
			return false, err
		}

		e.publish(sess, EventPaused, 0, sess.ErrorMsg)

		return false, cause

	case failureAuth:
		if e.refresher == nil {
			return false, e.failSession(ctx, sess, cause, log)
		}

		log.Info("access token rejected, forcing refresh")

		if err := e.refresher.Refresh(ctx); err != nil {
			return e.handleFailure(ctx, sess, err, log)
		}

		// One 401 costs one retry from the chunk budget so a server
		// that keeps rejecting fresh tokens cannot loop forever.
		return e.consumeRetry(ctx, sess, cause, log)

	case failureSessionExpired:
		log.Warn("upload session expired mid-transfer, creating replacement")
		e.publish(sess, EventExpired, 0, "upload session expired")
		sess.Expire()

		// The expired state is persisted before the replacement exists so
		// a crash in between leaves a record resume can act on.
		if err := e.persist(ctx, sess); err != nil {
			return false, err
		}

		if err := e.createRemoteSession(ctx, sess, log); err != nil {
			return false, err
		}

		if sess.UploadURL == "" {
			// Replacement creation was interrupted; the session is
			// already paused and persisted.
			return false, nil
		}

		return true, nil

	case failureChunkMismatch:
		log.Warn("server rejected chunk range, re-querying session")

		return e.reconcileAfterMismatch(ctx, sess, cause, log)

	case failureRateLimited:
		delay := e.backoff(sess.retries)
		if ra := graph.RetryAfter(cause); ra > 0 {
			delay = time.Duration(ra) * time.Second
		}

		log.Warn("throttled, waiting before retry",
			slog.Duration("delay", delay),
		)

		if err := e.sleepFunc(ctx, delay); err != nil {
			return false, e.suspendSession(context.WithoutCancel(ctx), sess, log)
		}

		// Throttling does not spend the transient retry budget; the
		// server asked us to wait, it did not report a failure.
		return true, nil

	case failureTransient:
		delay := e.backoff(sess.retries)

		log.Warn("transient upload error, backing off",
			slog.Duration("delay", delay),
			slog.String("error", cause.Error()),
		)

		if err := e.sleepFunc(ctx, delay); err != nil {
			return false, e.suspendSession(context.WithoutCancel(ctx), sess, log)
		}

		return e.consumeRetry(ctx, sess, cause, log)

	case failureLocalIO:
		return false, e.failSession(ctx, sess, cause, log)

	default:
		return false, e.failSession(ctx, sess, cause, log)
	}
}

// consumeRetry spends one unit of the chunk retry budget and fails the
// session when it is exhausted.
func (e *Executor) consumeRetry(ctx context.Context, sess *Session, cause error, log *slog.Logger) (bool, error) {
	sess.retries++
	if sess.retries > e.maxChunkRetries {
		return false, e.failSession(ctx, sess,
			fmt.Errorf("chunk failed after %d retries: %w", e.maxChunkRetries, cause), log)
	}

	return true, nil
}

// reconcileAfterMismatch re-queries the session after a 416 and adopts the
// server's expected offset.
func (e *Executor) reconcileAfterMismatch(ctx context.Context, sess *Session, cause error, log *slog.Logger) (bool, error) {
	remote := &graph.UploadSession{UploadURL: sess.UploadURL, ExpirationTime: sess.ExpiresAt}

	status, err := e.uploader.QueryUploadSession(ctx, remote)
	if err != nil {
		return e.handleFailure(ctx, sess, err, log)
	}

	// A server offset behind what it already confirmed means durably
	// accepted bytes vanished. There is no safe way to reconcile that.
	if status.NextOffset < sess.ConfirmedOffset {
		return false, e.failSession(ctx, sess,
			fmt.Errorf("server expects offset %d below confirmed %d: %w",
				status.NextOffset, sess.ConfirmedOffset, cause), log)
	}

	log.Info("adopting server offset after range mismatch",
		slog.Int64("local_offset", sess.ConfirmedOffset),
		slog.Int64("server_offset", status.NextOffset),
	)

	sess.ConfirmedOffset = status.NextOffset

	if err := e.persist(ctx, sess); err != nil {
		return false, err
	}

	return e.consumeRetry(ctx, sess, cause, log)
}

// verifyContentHash compares the server's content hash against a local
// recomputation. A mismatch is logged, not failed: the bytes the server
// acknowledged are what they are, and failing here could not repair them.
func (e *Executor) verifyContentHash(sess *Session, item *graph.Item, log *slog.Logger) {
	if item == nil || item.QuickXorHash == "" {
		return
	}

	local, err := quickxorhash.SumFile(sess.LocalPath)
	if err != nil {
		log.Warn("could not hash local file for verification",
			slog.String("error", err.Error()),
		)

		return
	}

	if local != item.QuickXorHash {
		log.Warn("content hash mismatch after upload",
			slog.String("local_hash", local),
			slog.String("remote_hash", item.QuickXorHash),
		)
	}
}

// completeSession marks the session done and persists it.
func (e *Executor) completeSession(ctx context.Context, sess *Session, log *slog.Logger) error {
	sess.Complete()

	if err := e.persist(ctx, sess); err != nil {
		return err
	}

	e.publish(sess, EventCompleted, 0, "")

	log.Info("upload complete",
		slog.Int64("size", sess.TotalSize),
	)

	return nil
}

// suspendSession pauses the session in response to cancellation. Not an
// error: the persisted state is exactly what resume needs.
func (e *Executor) suspendSession(ctx context.Context, sess *Session, log *slog.Logger) error {
	sess.Pause()

	if err := e.persist(ctx, sess); err != nil {
		return err
	}

	e.publish(sess, EventPaused, 0, "")

	log.Info("upload suspended",
		slog.Int64("confirmed_offset", sess.ConfirmedOffset),
		slog.Int64("total_size", sess.TotalSize),
	)

	return nil
}

// failSession marks the session failed and persists it.
func (e *Executor) failSession(ctx context.Context, sess *Session, cause error, log *slog.Logger) error {
	sess.Fail(cause.Error())

	if err := e.persist(context.WithoutCancel(ctx), sess); err != nil {
		log.Error("could not persist failed session",
			slog.String("error", err.Error()),
		)
	}

	e.publish(sess, EventFailed, 0, cause.Error())

	log.Error("upload failed",
		slog.String("error", cause.Error()),
	)

	return cause
}

// cancelRemote discards the server-side session, best effort.
func (e *Executor) cancelRemote(ctx context.Context, sess *Session) {
	if sess.UploadURL == "" {
		return
	}

	remote := &graph.UploadSession{UploadURL: sess.UploadURL}
	if err := e.uploader.CancelUploadSession(context.WithoutCancel(ctx), remote); err != nil {
		e.logger.Warn("could not cancel remote upload session",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

// persist writes the session's current state to the store.
func (e *Executor) persist(ctx context.Context, sess *Session) error {
	return e.store.Save(ctx, sess.toRecord())
}

// publish emits an event if an emitter is configured.
func (e *Executor) publish(sess *Session, kind EventKind, speed float64, msg string) {
	if e.emit == nil {
		return
	}

	e.emit(Event{
		Kind:       kind,
		SessionID:  sess.ID,
		LocalPath:  sess.LocalPath,
		RemotePath: sess.RemotePath,
		BytesDone:  sess.ConfirmedOffset,
		TotalBytes: sess.TotalSize,
		Speed:      speed,
		Message:    msg,
		Time:       e.now().UTC(),
	})
}

// backoff computes exponential backoff with ±25% jitter for chunk retries.
func (e *Executor) backoff(attempt int) time.Duration {
	backoff := float64(chunkBaseBackoff) * math.Pow(chunkBackoffFactor, float64(attempt))
	if backoff > float64(chunkMaxBackoff) {
		backoff = float64(chunkMaxBackoff)
	}

	jitter := backoff * chunkJitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// sleepCtx waits for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
