package graph

import "time"

// Item represents a drive item (file or folder). Fields are normalized
// from the Graph API response — callers never see raw API data.
type Item struct {
	ID           string
	Name         string
	DriveID      string // normalized: lowercase (Graph API casing is inconsistent)
	ParentID     string
	Size         int64
	ETag         string
	IsFolder     bool
	MimeType     string
	QuickXorHash string // base64-encoded
	SHA1Hash     string // hex (Personal accounts only)
	SHA256Hash   string // hex (Business accounts, sometimes)
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

// User represents the signed-in account.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// Drive represents a OneDrive drive with quota information.
type Drive struct {
	ID         string
	Name       string
	DriveType  string // "personal", "business", "documentLibrary"
	OwnerName  string
	QuotaUsed  int64
	QuotaTotal int64
}

// UploadSession is a server-side resumable upload session. The URL is
// pre-authenticated and grants write access to the target item until the
// session expires — treat it like a credential and never log it.
type UploadSession struct {
	UploadURL      string
	ExpirationTime time.Time
}

// UploadSessionStatus is the server's view of an in-progress session:
// which byte ranges it still expects. Used to reconcile the local offset
// on resume and after chunk failures.
type UploadSessionStatus struct {
	ExpirationTime     time.Time
	NextExpectedRanges []string
	NextOffset         int64 // parsed start of the first expected range
}

// ChunkResult is the outcome of a single accepted chunk PUT.
// For intermediate chunks (202), NextOffset holds the server's next
// expected byte and Item is nil. For the final chunk (200/201), Done is
// true and Item describes the completed file.
type ChunkResult struct {
	NextOffset int64
	Item       *Item
	Done       bool
}
