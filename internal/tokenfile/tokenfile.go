// Package tokenfile reads and writes credential files. Each file stores one
// account's OAuth2 token pair alongside cached account metadata (user
// principal name, drive ID). It is a leaf package imported by both config/
// and auth/ so neither needs to depend on the other.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
)

// FilePerms restricts credential files to owner-only read/write. They hold
// refresh tokens, which are long-lived credentials.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// File is the on-disk format for credential files.
type File struct {
	AccountID string            `json:"account_id"`
	Token     *oauth2.Token     `json:"token"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Load reads a credential file from disk. Returns (nil, nil) if the file
// does not exist, so callers can distinguish "not logged in" from I/O errors.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var cf File
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if cf.Token == nil {
		return nil, fmt.Errorf("tokenfile: %s missing token field (re-login required)", path)
	}

	return &cf, nil
}

// Save writes a credential file to disk atomically (write-to-temp, fsync,
// rename) with 0600 permissions. Never logs token values.
func Save(path string, cf *File) error {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Temp file in the same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close and
	// rename cannot leave an empty or partial credential file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes a credential file. Returns nil if the file does not exist
// (already logged out).
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

// List returns the credential files found in dir, sorted by directory order.
// A missing directory yields an empty list, not an error.
func List(dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading directory %s: %w", dir, err)
	}

	var out []*File

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		cf, loadErr := Load(filepath.Join(dir, e.Name()))
		if loadErr != nil || cf == nil {
			// Unreadable entries are skipped rather than failing the listing.
			continue
		}

		out = append(out, cf)
	}

	return out, nil
}

// PathFor returns the credential file path for an account within dir.
// Account IDs may contain characters that are not filesystem-safe, so the
// ID is sanitized: anything outside [A-Za-z0-9._@-] becomes '_'.
func PathFor(dir, accountID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '@', r == '-':
			return r
		default:
			return '_'
		}
	}, accountID)

	return filepath.Join(dir, safe+".json")
}
