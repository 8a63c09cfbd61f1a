package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Timestamp validation bounds — timestamps outside this range are replaced
// with the current time and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into Graph API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// normalizeRemotePath trims slashes and applies Unicode NFC normalization.
// macOS filesystems produce NFD names; the Graph API stores NFC, and mixing
// the two creates duplicate-looking items.
func normalizeRemotePath(path string) string {
	return norm.NFC.String(strings.Trim(path, "/"))
}

// driveItemResponse mirrors the Graph API driveItem JSON exactly.
// Unexported — callers use Item via toItem() normalization.
type driveItemResponse struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Size                 int64        `json:"size"`
	ETag                 string       `json:"eTag"`
	CreatedDateTime      string       `json:"createdDateTime"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime"`
	ParentReference      *parentRef   `json:"parentReference"`
	File                 *fileFacet   `json:"file"`
	Folder               *folderFacet `json:"folder"`
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
	SHA1Hash     string `json:"sha1Hash"`
	SHA256Hash   string `json:"sha256Hash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type createFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

// toItem normalizes a Graph API driveItem response into our Item type.
func (d *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:       d.ID,
		Name:     d.Name,
		Size:     d.Size,
		ETag:     d.ETag,
		IsFolder: d.Folder != nil,
	}

	// Normalize DriveID to lowercase — Graph API returns inconsistent
	// casing for drive IDs across endpoints.
	if d.ParentReference != nil {
		item.DriveID = strings.ToLower(d.ParentReference.DriveID)
		item.ParentID = d.ParentReference.ID
	}

	if d.File != nil {
		item.MimeType = d.File.MimeType

		if d.File.Hashes != nil {
			item.QuickXorHash = d.File.Hashes.QuickXorHash
			item.SHA1Hash = d.File.Hashes.SHA1Hash
			item.SHA256Hash = d.File.Hashes.SHA256Hash
		}
	}

	item.CreatedAt = parseTimestamp(d.CreatedDateTime, "createdDateTime", d.ID, logger)
	item.ModifiedAt = parseTimestamp(d.LastModifiedDateTime, "lastModifiedDateTime", d.ID, logger)

	return item
}

// parseTimestamp parses an RFC3339 timestamp and validates the year range.
// Invalid or out-of-range timestamps are replaced with time.Now().UTC() and logged.
func parseTimestamp(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Now().UTC()
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t
}

// ItemByPath retrieves a drive item by its path relative to the drive root.
// An empty path returns the root folder itself.
func (c *Client) ItemByPath(ctx context.Context, remotePath string) (*Item, error) {
	remotePath = normalizeRemotePath(remotePath)

	apiPath := "/me/drive/root"
	if remotePath != "" {
		apiPath = fmt.Sprintf("/me/drive/root:/%s", encodePathSegments(remotePath))
	}

	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
		return nil, fmt.Errorf("graph: decoding item response: %w", decErr)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// CreateFolder creates a folder named name under the folder at parentPath
// (relative to the drive root, empty for root). An existing folder with the
// same name is returned unchanged.
func (c *Client) CreateFolder(ctx context.Context, parentPath, name string) (*Item, error) {
	name = norm.NFC.String(name)

	c.logger.Info("creating folder",
		slog.String("parent_path", parentPath),
		slog.String("name", name),
	)

	apiPath := "/me/drive/root/children"
	if parentPath = normalizeRemotePath(parentPath); parentPath != "" {
		apiPath = fmt.Sprintf("/me/drive/root:/%s:/children", encodePathSegments(parentPath))
	}

	bodyBytes, err := json.Marshal(createFolderRequest{
		Name:             name,
		Folder:           folderFacet{},
		ConflictBehavior: "fail",
	})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling create folder request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, apiPath, bodyBytes)
	if err != nil {
		// conflictBehavior "fail" returns 409 when the folder exists.
		// That is success for our purposes: fetch and return it.
		if errors.Is(err, ErrConflict) {
			return c.ItemByPath(ctx, parentPath+"/"+name)
		}

		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
		return nil, fmt.Errorf("graph: decoding create folder response: %w", decErr)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// EnsureFolderPath walks a slash-separated path from the drive root,
// creating each missing folder, and returns the final folder item.
func (c *Client) EnsureFolderPath(ctx context.Context, remotePath string) (*Item, error) {
	remotePath = normalizeRemotePath(remotePath)
	if remotePath == "" {
		return c.ItemByPath(ctx, "")
	}

	if item, err := c.ItemByPath(ctx, remotePath); err == nil {
		if !item.IsFolder {
			return nil, fmt.Errorf("graph: %s exists and is not a folder", remotePath)
		}

		return item, nil
	}

	var (
		item *Item
		err  error
	)

	parent := ""
	for _, segment := range strings.Split(remotePath, "/") {
		item, err = c.CreateFolder(ctx, parent, segment)
		if err != nil {
			return nil, err
		}

		if parent == "" {
			parent = segment
		} else {
			parent = parent + "/" + segment
		}
	}

	return item, nil
}
