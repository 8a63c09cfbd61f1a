package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/updrive/updrive/internal/store"
)

// ErrAlreadyQueued reports that an upload for the same local and remote path
// is already tracked for this account.
var ErrAlreadyQueued = errors.New("upload already queued for this target")

// ErrSessionNotFound reports that no tracked session matches the given ID.
var ErrSessionNotFound = errors.New("upload session not found")

// Manager owns the set of in-flight uploads for one account. It queues
// sessions, runs them through a bounded worker pool, and exposes pause,
// resume, and cancel over them. All methods are safe for concurrent use.
type Manager struct {
	accountID string
	executor  *Executor
	store     *store.Store
	logger    *slog.Logger

	chunkSize        int64
	conflictBehavior string

	group  *errgroup.Group
	runCtx context.Context

	mu       sync.Mutex
	workers  map[string]*worker // session ID -> live worker
	firstErr error
}

// worker tracks one dispatched session: its cancel func and a channel
// closed when the worker has exited and its final state is persisted.
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerConfig carries the knobs the manager needs.
type ManagerConfig struct {
	AccountID        string
	ParallelUploads  int
	ChunkSize        int64
	ConflictBehavior string
}

// NewManager creates a manager whose workers run under ctx. Canceling ctx
// suspends every active upload.
func NewManager(ctx context.Context, cfg ManagerConfig, exec *Executor, st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	// Sibling uploads fail independently, so no errgroup.WithContext: one
	// failed file must not cancel the rest of the queue.
	group := &errgroup.Group{}

	parallel := cfg.ParallelUploads
	if parallel < 1 {
		parallel = 1
	}

	group.SetLimit(parallel)

	return &Manager{
		accountID:        cfg.AccountID,
		executor:         exec,
		store:            st,
		logger:           logger,
		chunkSize:        cfg.ChunkSize,
		conflictBehavior: cfg.ConflictBehavior,
		group:            group,
		runCtx:           ctx,
		workers:          make(map[string]*worker),
	}
}

// StartUpload queues a single file. If a resumable session already exists
// for the same local and remote path it is resumed instead of duplicated;
// a session in a terminal state is replaced.
func (m *Manager) StartUpload(ctx context.Context, localPath, remotePath string) (*Session, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use UploadDir", localPath)
	}

	sess, err := m.findOrCreateSession(ctx, localPath, remotePath, info)
	if err != nil {
		return nil, err
	}

	m.dispatch(sess)

	return sess, nil
}

// UploadDir walks root and queues every regular file beneath it, preserving
// the directory's own name under remoteDir. Hidden files and AppleDouble
// sidecars are skipped. Returns the queued sessions.
func (m *Manager) UploadDir(ctx context.Context, root, remoteDir string) ([]*Session, error) {
	root = filepath.Clean(root)
	base := filepath.Base(root)

	var sessions []*Session

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != root && skipName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			m.logger.Debug("skipping non-regular file", slog.String("path", path))
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		remotePath := joinRemotePath(remoteDir, base, filepath.ToSlash(rel))

		sess, err := m.StartUpload(ctx, path, remotePath)
		if err != nil {
			if errors.Is(err, ErrAlreadyQueued) {
				m.logger.Info("skipping already queued file", slog.String("path", path))
				return nil
			}

			return err
		}

		sessions = append(sessions, sess)

		return nil
	})
	if err != nil {
		return sessions, fmt.Errorf("walking %s: %w", root, err)
	}

	return sessions, nil
}

// ResumeAll queues every resumable session recorded for this account.
func (m *Manager) ResumeAll(ctx context.Context) ([]*Session, error) {
	records, err := m.store.ListResumable(ctx, m.accountID)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(records))

	for _, rec := range records {
		sess := sessionFromRecord(rec)

		if m.isTracked(sess.ID) {
			continue
		}

		sessions = append(sessions, sess)
		m.dispatch(sess)
	}

	return sessions, nil
}

// Pause suspends one session. The worker persists the paused state before
// returning; the record stays resumable.
func (m *Manager) Pause(sessionID string) error {
	m.mu.Lock()
	w, ok := m.workers[sessionID]
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	w.cancel()

	return nil
}

// PauseAll suspends every active session.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
}

// Cancel abandons a session for good: the worker is stopped, the remote
// session discarded, and the record deleted. The partial remote data is
// released by the server.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	w, tracked := m.workers[sessionID]
	m.mu.Unlock()

	if tracked {
		w.cancel()

		// Wait for the worker's final persist so the delete below is
		// not overwritten by a racing paused-state save.
		<-w.done
	}

	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}

		return err
	}

	sess := sessionFromRecord(rec)
	m.executor.cancelRemote(ctx, sess)

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}

	m.executor.publish(sess, EventCanceled, 0, "")

	m.logger.Info("upload canceled",
		slog.String("session_id", sessionID),
		slog.String("local_path", sess.LocalPath),
	)

	return nil
}

// Sessions returns every record for this account, in creation order.
func (m *Manager) Sessions(ctx context.Context) ([]*Session, error) {
	records, err := m.store.ListAll(ctx, m.accountID)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, sessionFromRecord(rec))
	}

	return sessions, nil
}

// Wait blocks until every queued upload has finished, paused, or failed.
// The first hard failure is returned.
func (m *Manager) Wait() error {
	_ = m.group.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.firstErr
}

// findOrCreateSession looks for an existing session targeting the same
// local and remote path and decides whether to resume, replace, or refuse.
func (m *Manager) findOrCreateSession(ctx context.Context, localPath, remotePath string, info os.FileInfo) (*Session, error) {
	rec, err := m.store.FindByTarget(ctx, m.accountID, localPath, remotePath)

	switch {
	case err == nil:
		existing := sessionFromRecord(rec)

		if m.isTracked(existing.ID) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrAlreadyQueued, localPath, remotePath)
		}

		if existing.Status.Resumable() || existing.Status == StatusExpired {
			m.logger.Info("resuming existing session",
				slog.String("session_id", existing.ID),
				slog.Int64("confirmed_offset", existing.ConfirmedOffset),
			)

			return existing, nil
		}

		// Terminal session for the same target: replace it.
		if err := m.store.Delete(ctx, existing.ID); err != nil {
			return nil, err
		}

	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	sess := NewSession(m.accountID, localPath, remotePath, info.Size(), m.chunkSize, m.conflictBehavior, info.ModTime())

	if err := m.store.Save(ctx, sess.toRecord()); err != nil {
		return nil, err
	}

	m.executor.publish(sess, EventQueued, 0, "")

	return sess, nil
}

// dispatch hands a session to the worker pool. Each worker gets its own
// cancelable context so a single session can be paused without touching
// the rest.
func (m *Manager) dispatch(sess *Session) {
	sessCtx, cancel := context.WithCancel(m.runCtx)

	w := &worker{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.workers[sess.ID] = w
	m.mu.Unlock()

	m.group.Go(func() error {
		defer func() {
			cancel()

			m.mu.Lock()
			delete(m.workers, sess.ID)
			m.mu.Unlock()

			close(w.done)
		}()

		if err := m.executor.Run(sessCtx, sess); err != nil {
			m.mu.Lock()
			if m.firstErr == nil {
				m.firstErr = err
			}
			m.mu.Unlock()
		}

		return nil
	})
}

// isTracked reports whether the session has a live worker.
func (m *Manager) isTracked(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.workers[sessionID]

	return ok
}

// PruneStale removes terminal session records older than age.
func (m *Manager) PruneStale(ctx context.Context, age time.Duration) (int64, error) {
	return m.store.PruneStale(ctx, age)
}

// skipName reports whether a file or directory name should be excluded
// from directory uploads. Dotfiles cover macOS AppleDouble "._" sidecars
// and .DS_Store as well.
func skipName(name string) bool {
	return strings.HasPrefix(name, ".")
}

// joinRemotePath builds the remote path for a walked file, keeping the
// uploaded directory's own name as the top-level folder.
func joinRemotePath(remoteDir, base, rel string) string {
	parts := make([]string, 0, 3)

	if remoteDir = strings.Trim(remoteDir, "/"); remoteDir != "" {
		parts = append(parts, remoteDir)
	}

	parts = append(parts, base, rel)

	return strings.Join(parts, "/")
}
