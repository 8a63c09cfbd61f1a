package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/updrive/updrive/internal/store"
)

// Session is the engine's working state for one upload. It is owned by a
// single worker goroutine while active; the manager only touches it through
// the store between runs.
type Session struct {
	ID               string
	AccountID        string
	LocalPath        string
	RemotePath       string
	UploadURL        string
	Status           Status
	TotalSize        int64
	ConfirmedOffset  int64
	ChunkSize        int64
	ConflictBehavior string
	Mtime            time.Time
	ExpiresAt        time.Time
	ErrorMsg         string
	CreatedAt        time.Time

	// retries counts consecutive failures of the current chunk. It resets
	// on every confirmed chunk and is not persisted: a restart gets a
	// fresh retry budget.
	retries int
}

// NewSession creates a pending session for the given target.
func NewSession(accountID, localPath, remotePath string, totalSize, chunkSize int64, conflictBehavior string, mtime time.Time) *Session {
	return &Session{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		LocalPath:        localPath,
		RemotePath:       remotePath,
		Status:           StatusPending,
		TotalSize:        totalSize,
		ChunkSize:        chunkSize,
		ConflictBehavior: conflictBehavior,
		Mtime:            mtime,
		CreatedAt:        time.Now().UTC(),
	}
}

// Start transitions the session to Active. Completed and Failed sessions
// may not be revived. Expired ones may: starting an expired session leads
// to a replacement server session via Renew.
func (s *Session) Start() error {
	switch s.Status {
	case StatusPending, StatusPaused, StatusActive, StatusExpired:
		s.Status = StatusActive
		s.ErrorMsg = ""

		return nil
	default:
		return fmt.Errorf("engine: cannot start session %s in state %q", s.ID, s.Status)
	}
}

// RecordChunkSuccess advances the confirmed offset. The offset is monotone
// non-decreasing: a stale or duplicate acknowledgement (offset at or below
// the current one) is a no-op, so replays can never move progress
// backwards. Returns whether the offset advanced.
func (s *Session) RecordChunkSuccess(newOffset int64) bool {
	if newOffset <= s.ConfirmedOffset {
		return false
	}

	s.ConfirmedOffset = newOffset
	s.retries = 0

	return true
}

// Pause suspends the session. Pausing a terminal session is a no-op: a
// cancellation that races completion must not un-complete the upload.
func (s *Session) Pause() {
	if s.Status.Terminal() {
		return
	}

	s.Status = StatusPaused
}

// Complete marks the upload finished.
func (s *Session) Complete() {
	s.Status = StatusCompleted
	s.ErrorMsg = ""
}

// Expire marks the server-side session as gone. The engine records this
// state before creating a replacement so a crash between the two steps is
// visible.
func (s *Session) Expire() {
	s.Status = StatusExpired
	s.UploadURL = ""
}

// Fail marks the session failed with a reason shown in session listings.
func (s *Session) Fail(msg string) {
	s.Status = StatusFailed
	s.ErrorMsg = msg
}

// Renew installs a replacement server session after expiry, restarting
// progress from zero.
func (s *Session) Renew(uploadURL string, expiresAt time.Time) {
	s.UploadURL = uploadURL
	s.ExpiresAt = expiresAt
	s.ConfirmedOffset = 0
	s.Status = StatusActive
	s.ErrorMsg = ""
	s.retries = 0
}

// Remaining returns how many bytes are left to upload.
func (s *Session) Remaining() int64 {
	return s.TotalSize - s.ConfirmedOffset
}

// toRecord converts the session to its persisted form.
func (s *Session) toRecord() *store.Record {
	return &store.Record{
		ID:               s.ID,
		AccountID:        s.AccountID,
		LocalPath:        s.LocalPath,
		RemotePath:       s.RemotePath,
		UploadURL:        s.UploadURL,
		Status:           string(s.Status),
		TotalSize:        s.TotalSize,
		ConfirmedOffset:  s.ConfirmedOffset,
		ChunkSize:        s.ChunkSize,
		ConflictBehavior: s.ConflictBehavior,
		Mtime:            s.Mtime,
		ExpiresAt:        s.ExpiresAt,
		ErrorMsg:         s.ErrorMsg,
		CreatedAt:        s.CreatedAt,
	}
}

// sessionFromRecord rebuilds a session from its persisted form.
func sessionFromRecord(r *store.Record) *Session {
	return &Session{
		ID:               r.ID,
		AccountID:        r.AccountID,
		LocalPath:        r.LocalPath,
		RemotePath:       r.RemotePath,
		UploadURL:        r.UploadURL,
		Status:           Status(r.Status),
		TotalSize:        r.TotalSize,
		ConfirmedOffset:  r.ConfirmedOffset,
		ChunkSize:        r.ChunkSize,
		ConflictBehavior: r.ConflictBehavior,
		Mtime:            r.Mtime,
		ExpiresAt:        r.ExpiresAt,
		ErrorMsg:         r.ErrorMsg,
		CreatedAt:        r.CreatedAt,
	}
}
