package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SimpleUploadMaxSize is the maximum file size for simple (single-request)
// upload (4 MiB). Files larger than this must use resumable upload sessions.
const SimpleUploadMaxSize = 4 * 1024 * 1024

// Upload session request/response types for Graph API JSON serialization.
type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string          `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
	Name             string          `json:"name,omitempty"`
	FileSystemInfo   *fileSystemInfo `json:"fileSystemInfo,omitempty"`
}

// fileSystemInfo preserves local timestamps on upload, preventing the server
// from overwriting them with receipt time.
type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// SimpleUpload uploads a file up to 4 MiB using a single PUT request.
// For larger files, use CreateUploadSession + UploadChunk.
// The content is sent with application/octet-stream content type.
func (c *Client) SimpleUpload(ctx context.Context, remotePath string, r io.Reader, size int64) (*Item, error) {
	c.logger.Info("simple upload",
		slog.String("remote_path", remotePath),
		slog.Int64("size", size),
	)

	path := fmt.Sprintf("/me/drive/root:/%s:/content", encodePathSegments(normalizeRemotePath(remotePath)))

	resp, err := c.doRawUpload(ctx, http.MethodPut, path, "application/octet-stream", r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
		return nil, fmt.Errorf("graph: decoding simple upload response: %w", decErr)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// CreateUploadSession creates a resumable upload session for the file at
// remotePath (relative to the drive root). The returned UploadSession
// contains a pre-authenticated upload URL. conflictBehavior is one of
// "replace", "rename", or "fail". When mtime is non-zero, fileSystemInfo is
// included so the server preserves the local modification timestamp.
func (c *Client) CreateUploadSession(
	ctx context.Context, remotePath, conflictBehavior string, mtime time.Time,
) (*UploadSession, error) {
	c.logger.Info("creating upload session",
		slog.String("remote_path", remotePath),
		slog.String("conflict_behavior", conflictBehavior),
	)

	path := fmt.Sprintf("/me/drive/root:/%s:/createUploadSession", encodePathSegments(normalizeRemotePath(remotePath)))

	item := uploadSessionItem{ConflictBehavior: conflictBehavior}
	if !mtime.IsZero() {
		item.FileSystemInfo = &fileSystemInfo{
			LastModifiedDateTime: mtime.UTC().Format(time.RFC3339),
		}
	}

	bodyBytes, err := json.Marshal(createUploadSessionRequest{Item: item})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, bodyBytes)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.parseUploadSessionResponse(resp)
}

// UploadChunk uploads one chunk of data to an upload session.
// offset is the byte offset, length the chunk size, total the full file size.
// Intermediate chunks (202) return the server's next expected offset; the
// final chunk (200/201) returns the completed item with Done set.
// The session URL is pre-authenticated, so no Authorization header is sent.
func (c *Client) UploadChunk(
	ctx context.Context, session *UploadSession, chunk io.Reader,
	offset, length, total int64,
) (*ChunkResult, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, chunk)
	if err != nil {
		return nil, fmt.Errorf("graph: creating chunk upload request: %w", err)
	}

	req.Header.Set("Content-Range", contentRange)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", c.userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("chunk upload request failed",
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("graph: chunk upload request failed: %w", err)
	}
	defer resp.Body.Close()

	return c.handleChunkResponse(resp, offset+length)
}

// handleChunkResponse processes the HTTP response from an upload chunk request.
// 202 Accepted means intermediate chunk; 200/201 means upload complete.
// fallbackOffset is used when a 202 body carries no parseable ranges.
func (c *Client) handleChunkResponse(resp *http.Response, fallbackOffset int64) (*ChunkResult, error) {
	switch resp.StatusCode {
	case http.StatusAccepted:
		// The body's nextExpectedRanges is authoritative for the next
		// offset — the server may have accepted more or less than sent.
		var usr uploadSessionResponse
		next := fallbackOffset

		if decErr := json.NewDecoder(resp.Body).Decode(&usr); decErr == nil {
			if parsed, ok := parseNextRangeStart(usr.NextExpectedRanges); ok {
				next = parsed
			}
		}

		c.logger.Debug("intermediate chunk accepted",
			slog.Int64("next_offset", next),
		)

		return &ChunkResult{NextOffset: next}, nil

	case http.StatusOK, http.StatusCreated:
		// Upload complete — response contains the created/updated item.
		var dir driveItemResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
			return nil, fmt.Errorf("graph: decoding final chunk response: %w", decErr)
		}

		item := dir.toItem(c.logger)

		c.logger.Debug("upload complete",
			slog.String("item_id", item.ID),
			slog.String("item_name", item.Name),
		)

		return &ChunkResult{Item: &item, Done: true}, nil

	case http.StatusNotFound, http.StatusGone:
		// The session no longer exists server-side. Not recoverable on
		// this URL; callers must create a fresh session.
		drainBody(resp)

		c.logger.Warn("upload session gone",
			slog.Int("status", resp.StatusCode),
		)

		return nil, ErrSessionExpired

	case http.StatusRequestedRangeNotSatisfiable:
		// 416 means the server has different byte ranges than what we sent.
		// Callers should use QueryUploadSession to discover accepted ranges.
		drainBody(resp)

		c.logger.Warn("upload chunk returned 416 Range Not Satisfiable")

		return nil, ErrRangeNotSatisfiable

	default:
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		c.logger.Error("chunk upload failed",
			slog.Int("status", resp.StatusCode),
		)

		return nil, &GraphError{
			StatusCode:        resp.StatusCode,
			RequestID:         resp.Header.Get("request-id"),
			Message:           string(body),
			Err:               classifyStatus(resp.StatusCode),
			RetryAfterSeconds: parseRetryAfter(resp),
		}
	}
}

// QueryUploadSession queries an upload session's status to determine
// which byte ranges have been accepted. Used for resume after interruption.
// The session URL is pre-authenticated, so no Authorization header is sent.
func (c *Client) QueryUploadSession(ctx context.Context, session *UploadSession) (*UploadSessionStatus, error) {
	c.logger.Info("querying upload session status")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.UploadURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("graph: creating query session request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("query upload session request failed",
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("graph: query upload session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		drainBody(resp)

		return nil, ErrSessionExpired
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &GraphError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var usr uploadSessionResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&usr); decErr != nil {
		return nil, fmt.Errorf("graph: decoding session status response: %w", decErr)
	}

	expTime, parseErr := time.Parse(time.RFC3339, usr.ExpirationDateTime)
	if parseErr != nil && usr.ExpirationDateTime != "" {
		c.logger.Warn("invalid session status expiration, using zero time",
			slog.String("raw", usr.ExpirationDateTime),
			slog.String("error", parseErr.Error()),
		)
	}

	status := &UploadSessionStatus{
		ExpirationTime:     expTime,
		NextExpectedRanges: usr.NextExpectedRanges,
	}

	if next, ok := parseNextRangeStart(usr.NextExpectedRanges); ok {
		status.NextOffset = next
	}

	c.logger.Debug("upload session status",
		slog.Int("pending_ranges", len(status.NextExpectedRanges)),
		slog.Int64("next_offset", status.NextOffset),
	)

	return status, nil
}

// CancelUploadSession cancels an in-progress upload session, discarding any
// uploaded bytes server-side. A session that is already gone counts as
// canceled. The session URL is pre-authenticated, so no Authorization
// header is sent.
func (c *Client) CancelUploadSession(ctx context.Context, session *UploadSession) error {
	c.logger.Info("canceling upload session")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("graph: creating cancel session request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("cancel upload session request failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("graph: cancel upload session request failed: %w", err)
	}
	defer resp.Body.Close()

	drainBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		c.logger.Debug("upload session canceled")

		return nil
	default:
		c.logger.Error("cancel upload session returned unexpected status",
			slog.Int("status", resp.StatusCode),
		)

		return fmt.Errorf("graph: cancel upload session failed with status %d", resp.StatusCode)
	}
}

// doRawUpload sends an authenticated request with a custom content type.
// Used for SimpleUpload where application/octet-stream is needed instead of
// application/json. Unlike Do(), this does not retry — retrying a
// partially-consumed reader is not safe.
func (c *Client) doRawUpload(
	ctx context.Context, method, path, contentType string, body io.Reader,
) (*http.Response, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("graph: creating raw upload request: %w", err)
	}

	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: obtaining token for upload: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("raw upload request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("graph: raw upload request failed: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		resp.Body.Close()

		return nil, &GraphError{
			StatusCode:        resp.StatusCode,
			RequestID:         resp.Header.Get("request-id"),
			Message:           string(errBody),
			Err:               classifyStatus(resp.StatusCode),
			RetryAfterSeconds: parseRetryAfter(resp),
		}
	}

	return resp, nil
}

// parseUploadSessionResponse parses the HTTP response from CreateUploadSession.
func (c *Client) parseUploadSessionResponse(resp *http.Response) (*UploadSession, error) {
	var usr uploadSessionResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&usr); decErr != nil {
		return nil, fmt.Errorf("graph: decoding upload session response: %w", decErr)
	}

	if usr.UploadURL == "" {
		return nil, fmt.Errorf("graph: upload session response missing uploadUrl")
	}

	expTime, parseErr := time.Parse(time.RFC3339, usr.ExpirationDateTime)
	if parseErr != nil && usr.ExpirationDateTime != "" {
		c.logger.Warn("invalid upload session expiration, using zero time",
			slog.String("raw", usr.ExpirationDateTime),
			slog.String("error", parseErr.Error()),
		)
	}

	session := &UploadSession{
		UploadURL:      usr.UploadURL,
		ExpirationTime: expTime,
	}

	c.logger.Debug("upload session created",
		slog.Time("expires", session.ExpirationTime),
	)

	return session, nil
}

// parseNextRangeStart extracts the start byte of the first expected range.
// Ranges look like "26214400-52428799" or "26214400-" (open-ended).
func parseNextRangeStart(ranges []string) (int64, bool) {
	if len(ranges) == 0 {
		return 0, false
	}

	first := ranges[0]
	if idx := strings.IndexByte(first, '-'); idx >= 0 {
		first = first[:idx]
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}

	return start, true
}

// drainBody reads and discards the response body so the connection can be
// reused.
func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain
}
