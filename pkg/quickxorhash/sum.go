package quickxorhash

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// SumReader hashes everything from r and returns the base64-encoded digest,
// the encoding the Graph API uses in its quickXorHash item facet.
func SumReader(r io.Reader) (string, error) {
	h := New()

	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("quickxorhash: reading: %w", err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// SumFile hashes the file at path and returns the base64-encoded digest.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("quickxorhash: opening %s: %w", path, err)
	}
	defer f.Close()

	return SumReader(f)
}
