package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updrive/updrive/internal/auth"
	"github.com/updrive/updrive/internal/graph"
	"github.com/updrive/updrive/internal/store"
)

// testChunkSize is 10 alignment units, so a testFileSize file splits into
// two full chunks and one short final chunk.
const (
	testChunkSize = 10 * 320 * 1024 // 3276800
	testFileSize  = 7_000_000
)

type chunkCall struct {
	offset int64
	length int64
	total  int64
	read   int64
}

// fakeUploader scripts Graph responses per call. Zero-value behavior is
// unconditional success.
type fakeUploader struct {
	mu sync.Mutex

	createCalls int
	chunkCalls  []chunkCall
	queryCalls  int
	cancelCalls int
	simpleCalls int

	createFunc func(call int) (*graph.UploadSession, error)
	chunkFunc  func(call int, offset, length, total int64) (*graph.ChunkResult, error)
	queryFunc  func(call int) (*graph.UploadSessionStatus, error)
	simpleFunc func(call int) (*graph.Item, error)
}

func (f *fakeUploader) CreateUploadSession(_ context.Context, _, _ string, _ time.Time) (*graph.UploadSession, error) {
	f.mu.Lock()
	f.createCalls++
	call := f.createCalls
	f.mu.Unlock()

	if f.createFunc != nil {
		return f.createFunc(call)
	}

	return &graph.UploadSession{
		UploadURL:      fmt.Sprintf("https://up.example/sessions/%d", call),
		ExpirationTime: time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeUploader) UploadChunk(_ context.Context, _ *graph.UploadSession, chunk io.Reader, offset, length, total int64) (*graph.ChunkResult, error) {
	read, _ := io.Copy(io.Discard, chunk)

	f.mu.Lock()
	f.chunkCalls = append(f.chunkCalls, chunkCall{offset: offset, length: length, total: total, read: read})
	call := len(f.chunkCalls)
	f.mu.Unlock()

	if f.chunkFunc != nil {
		return f.chunkFunc(call, offset, length, total)
	}

	if offset+length == total {
		return &graph.ChunkResult{Done: true, Item: &graph.Item{ID: "item1", Size: total}}, nil
	}

	return &graph.ChunkResult{NextOffset: offset + length}, nil
}

func (f *fakeUploader) QueryUploadSession(_ context.Context, _ *graph.UploadSession) (*graph.UploadSessionStatus, error) {
	f.mu.Lock()
	f.queryCalls++
	call := f.queryCalls
	f.mu.Unlock()

	if f.queryFunc != nil {
		return f.queryFunc(call)
	}

	return &graph.UploadSessionStatus{ExpirationTime: time.Now().Add(time.Hour)}, nil
}

func (f *fakeUploader) CancelUploadSession(_ context.Context, _ *graph.UploadSession) error {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()

	return nil
}

func (f *fakeUploader) SimpleUpload(_ context.Context, _ string, r io.Reader, size int64) (*graph.Item, error) {
	io.Copy(io.Discard, r) //nolint:errcheck

	f.mu.Lock()
	f.simpleCalls++
	call := f.simpleCalls
	f.mu.Unlock()

	if f.simpleFunc != nil {
		return f.simpleFunc(call)
	}

	return &graph.Item{ID: "item1", Size: size}, nil
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.err
}

type executorFixture struct {
	executor *Executor
	store    *store.Store
	uploader *fakeUploader

	mu     sync.Mutex
	events []Event
	slept  []time.Duration
}

func newExecutorFixture(t *testing.T, up *fakeUploader, refresher TokenRefresher) *executorFixture {
	t.Helper()

	st, err := store.Open(context.Background(), ":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fx := &executorFixture{store: st, uploader: up}

	fx.executor = NewExecutor(up, refresher, st, nil, 3, func(ev Event) {
		fx.mu.Lock()
		fx.events = append(fx.events, ev)
		fx.mu.Unlock()
	}, slog.Default())

	fx.executor.sleepFunc = func(_ context.Context, d time.Duration) error {
		fx.mu.Lock()
		fx.slept = append(fx.slept, d)
		fx.mu.Unlock()

		return nil
	}

	return fx
}

func (fx *executorFixture) eventKinds() []EventKind {
	fx.mu.Lock()
	defer fx.mu.Unlock()

	kinds := make([]EventKind, len(fx.events))
	for i, ev := range fx.events {
		kinds[i] = ev.Kind
	}

	return kinds
}

func writeTestFile(t *testing.T, size int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payload.bin")

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func newTestSession(t *testing.T, localPath string) *Session {
	t.Helper()

	info, err := os.Stat(localPath)
	require.NoError(t, err)

	return NewSession("acct1", localPath, "Backups/payload.bin", info.Size(), testChunkSize, "replace", info.ModTime())
}

func TestExecutorUploadsInChunks(t *testing.T) {
	up := &fakeUploader{}
	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	require.Len(t, up.chunkCalls, 3)
	assert.Equal(t, chunkCall{offset: 0, length: testChunkSize, total: testFileSize, read: testChunkSize}, up.chunkCalls[0])
	assert.Equal(t, chunkCall{offset: testChunkSize, length: testChunkSize, total: testFileSize, read: testChunkSize}, up.chunkCalls[1])
	assert.Equal(t, chunkCall{offset: 2 * testChunkSize, length: testFileSize - 2*testChunkSize, total: testFileSize, read: testFileSize - 2*testChunkSize}, up.chunkCalls[2])

	assert.Equal(t, 1, up.createCalls)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, int64(testFileSize), sess.ConfirmedOffset)

	rec, err := fx.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), rec.Status)
	assert.Equal(t, int64(testFileSize), rec.ConfirmedOffset)

	assert.Equal(t, []EventKind{EventStarted, EventProgress, EventProgress, EventCompleted}, fx.eventKinds())
}

func TestExecutorSmallFileUsesSimpleUpload(t *testing.T) {
	up := &fakeUploader{}
	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, 1000)
	sess := newTestSession(t, path)

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	assert.Equal(t, 1, up.simpleCalls)
	assert.Zero(t, up.createCalls)
	assert.Empty(t, up.chunkCalls)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestExecutorRefreshesTokenAfter401(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(call int, offset, length, total int64) (*graph.ChunkResult, error) {
		if call == 2 {
			return nil, fmt.Errorf("uploading chunk: %w", graph.ErrUnauthorized)
		}

		if offset+length == total {
			return &graph.ChunkResult{Done: true, Item: &graph.Item{ID: "item1"}}, nil
		}

		return &graph.ChunkResult{NextOffset: offset + length}, nil
	}

	refresher := &fakeRefresher{}
	fx := newExecutorFixture(t, up, refresher)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, StatusCompleted, sess.Status)

	// The rejected chunk is retried at the same offset.
	require.Len(t, up.chunkCalls, 4)
	assert.Equal(t, up.chunkCalls[1].offset, up.chunkCalls[2].offset)
}

func TestExecutorPausesWhenAuthorizationExpired(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(int, int64, int64, int64) (*graph.ChunkResult, error) {
		return nil, fmt.Errorf("refreshing token: %w", auth.ErrAuthExpired)
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	err := fx.executor.Run(context.Background(), sess)
	require.Error(t, err)

	assert.Equal(t, StatusPaused, sess.Status)
	assert.Contains(t, sess.ErrorMsg, "login required")

	rec, getErr := fx.store.Get(context.Background(), sess.ID)
	require.NoError(t, getErr)
	assert.Equal(t, string(StatusPaused), rec.Status)
}

func TestExecutorRenewsExpiredSession(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(call int, offset, length, total int64) (*graph.ChunkResult, error) {
		if call == 2 {
			return nil, graph.ErrSessionExpired
		}

		if offset+length == total {
			return &graph.ChunkResult{Done: true, Item: &graph.Item{ID: "item1"}}, nil
		}

		return &graph.ChunkResult{NextOffset: offset + length}, nil
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	// A second server session was created and the upload restarted from
	// byte zero.
	assert.Equal(t, 2, up.createCalls)
	require.Len(t, up.chunkCalls, 5)
	assert.Equal(t, int64(0), up.chunkCalls[2].offset)
	assert.Equal(t, StatusCompleted, sess.Status)

	assert.Contains(t, fx.eventKinds(), EventExpired)
}

func TestExecutorAdoptsServerOffsetAfterMismatch(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(call int, offset, length, total int64) (*graph.ChunkResult, error) {
		if call == 2 {
			return nil, graph.ErrRangeNotSatisfiable
		}

		if offset+length == total {
			return &graph.ChunkResult{Done: true, Item: &graph.Item{ID: "item1"}}, nil
		}

		return &graph.ChunkResult{NextOffset: offset + length}, nil
	}
	up.queryFunc = func(int) (*graph.UploadSessionStatus, error) {
		return &graph.UploadSessionStatus{NextOffset: 2 * testChunkSize}, nil
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	assert.Equal(t, 1, up.queryCalls)

	// After the 416 the next chunk starts where the server said.
	require.Len(t, up.chunkCalls, 3)
	assert.Equal(t, int64(2*testChunkSize), up.chunkCalls[2].offset)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestExecutorFailsOnUnreconcilableMismatch(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(call int, offset, length, total int64) (*graph.ChunkResult, error) {
		if call == 2 {
			return nil, graph.ErrRangeNotSatisfiable
		}

		return &graph.ChunkResult{NextOffset: offset + length}, nil
	}
	up.queryFunc = func(int) (*graph.UploadSessionStatus, error) {
		// Server claims less than it already confirmed.
		return &graph.UploadSessionStatus{NextOffset: 100}, nil
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	err := fx.executor.Run(context.Background(), sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrRangeNotSatisfiable)
	assert.Equal(t, StatusFailed, sess.Status)
}

func TestExecutorHonorsRetryAfterWhenThrottled(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(call int, offset, length, total int64) (*graph.ChunkResult, error) {
		if call == 1 {
			return nil, &graph.GraphError{
				StatusCode:        429,
				Message:           "throttled",
				Err:               graph.ErrThrottled,
				RetryAfterSeconds: 7,
			}
		}

		if offset+length == total {
			return &graph.ChunkResult{Done: true, Item: &graph.Item{ID: "item1"}}, nil
		}

		return &graph.ChunkResult{NextOffset: offset + length}, nil
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	require.Len(t, fx.slept, 1)
	assert.Equal(t, 7*time.Second, fx.slept[0])
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestExecutorFailsAfterRetryBudget(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(int, int64, int64, int64) (*graph.ChunkResult, error) {
		return nil, fmt.Errorf("uploading chunk: %w", graph.ErrServerError)
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	err := fx.executor.Run(context.Background(), sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrServerError)

	// maxChunkRetries is 3 in the fixture: initial attempt plus three
	// retries.
	assert.Len(t, up.chunkCalls, 4)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.NotEmpty(t, sess.ErrorMsg)

	assert.Contains(t, fx.eventKinds(), EventFailed)
}

func TestExecutorFailsWhenOffsetNeverAdvances(t *testing.T) {
	up := &fakeUploader{}
	up.chunkFunc = func(int, int64, int64, int64) (*graph.ChunkResult, error) {
		// Accepted, but the server keeps reporting the same next offset.
		return &graph.ChunkResult{NextOffset: 0}, nil
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	err := fx.executor.Run(context.Background(), sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not advance")

	// Each stuck acknowledgement backs off and spends a retry instead of
	// re-sending the same range in a tight loop.
	assert.Len(t, up.chunkCalls, 4)
	assert.Len(t, fx.slept, 4)
	assert.Equal(t, StatusFailed, sess.Status)

	assert.Contains(t, fx.eventKinds(), EventFailed)
}

func TestExecutorPausesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	up := &fakeUploader{}
	up.chunkFunc = func(call int, offset, length, total int64) (*graph.ChunkResult, error) {
		if call == 1 {
			cancel()
			return &graph.ChunkResult{NextOffset: offset + length}, nil
		}

		t.Fatal("chunk uploaded after cancellation")

		return nil, nil
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)

	require.NoError(t, fx.executor.Run(ctx, sess))

	assert.Equal(t, StatusPaused, sess.Status)
	assert.Equal(t, int64(testChunkSize), sess.ConfirmedOffset)

	rec, err := fx.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPaused), rec.Status)
	assert.Equal(t, int64(testChunkSize), rec.ConfirmedOffset)

	assert.Contains(t, fx.eventKinds(), EventPaused)
}

func TestExecutorResumeTrustsServerOffset(t *testing.T) {
	up := &fakeUploader{}
	up.queryFunc = func(int) (*graph.UploadSessionStatus, error) {
		return &graph.UploadSessionStatus{NextOffset: 2 * testChunkSize}, nil
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)
	sess.Status = StatusPaused
	sess.UploadURL = "https://up.example/sessions/stored"
	sess.ExpiresAt = time.Now().Add(time.Hour)
	sess.ConfirmedOffset = testChunkSize

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	// The server had more than the local record: only the final chunk
	// was sent, and no new session was created.
	assert.Zero(t, up.createCalls)
	require.Len(t, up.chunkCalls, 1)
	assert.Equal(t, int64(2*testChunkSize), up.chunkCalls[0].offset)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestExecutorResumeWithExpiredStoredSession(t *testing.T) {
	up := &fakeUploader{}
	up.queryFunc = func(int) (*graph.UploadSessionStatus, error) {
		return nil, graph.ErrSessionExpired
	}

	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)
	sess.Status = StatusPaused
	sess.UploadURL = "https://up.example/sessions/stale"
	sess.ConfirmedOffset = testChunkSize

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	assert.Equal(t, 1, up.createCalls)
	require.NotEmpty(t, up.chunkCalls)
	assert.Equal(t, int64(0), up.chunkCalls[0].offset)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestExecutorRestartsWhenFileChanged(t *testing.T) {
	up := &fakeUploader{}
	fx := newExecutorFixture(t, up, nil)

	path := writeTestFile(t, testFileSize)
	sess := newTestSession(t, path)
	sess.Status = StatusPaused
	sess.UploadURL = "https://up.example/sessions/old"
	sess.ConfirmedOffset = testChunkSize
	sess.TotalSize = testFileSize - 100 // recorded before the file grew
	sess.Mtime = time.Now().Add(-time.Hour)

	require.NoError(t, fx.executor.Run(context.Background(), sess))

	// The stale remote session was discarded and a fresh upload ran from
	// byte zero with the current file size.
	assert.Equal(t, 1, up.cancelCalls)
	assert.Equal(t, 1, up.createCalls)
	require.NotEmpty(t, up.chunkCalls)
	assert.Equal(t, int64(0), up.chunkCalls[0].offset)
	assert.Equal(t, int64(testFileSize), up.chunkCalls[0].total)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestExecutorFailsOnMissingFile(t *testing.T) {
	up := &fakeUploader{}
	fx := newExecutorFixture(t, up, nil)

	sess := NewSession("acct1", filepath.Join(t.TempDir(), "gone.bin"), "Backups/gone.bin", 10, testChunkSize, "replace", time.Now())

	err := fx.executor.Run(context.Background(), sess)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, sess.Status)
	assert.Empty(t, up.chunkCalls)
}

func TestExecutorStaleAckDoesNotMoveOffsetBack(t *testing.T) {
	sess := NewSession("acct1", "/tmp/f", "f", testFileSize, testChunkSize, "replace", time.Now())

	require.True(t, sess.RecordChunkSuccess(testChunkSize))
	require.False(t, sess.RecordChunkSuccess(testChunkSize))
	require.False(t, sess.RecordChunkSuccess(100))
	assert.Equal(t, int64(testChunkSize), sess.ConfirmedOffset)

	require.True(t, sess.RecordChunkSuccess(2*testChunkSize))
	assert.Equal(t, int64(2*testChunkSize), sess.ConfirmedOffset)
}
