package quickxorhash

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference hashes verified against rclone's quickxorhash implementation.
func TestKnownVectors(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		expect string // base64-encoded expected hash
	}{
		{"empty", []byte(""), "AAAAAAAAAAAAAAAAAAAAAAAAAAA="},
		{"hello", []byte("hello"), "aCgDG9jwBgAAAAAABQAAAAAAAAA="},
		{"hello world", []byte("hello world"), "aCgDG9jwBhDc4Q1yawMZAAAAAAA="},
		{"1000 zero bytes", make([]byte, 1000), "AAAAAAAAAAAAAAAA6AMAAAAAAAA="},
		{"1000 0xFF bytes", bytes.Repeat([]byte{0xFF}, 1000), "Yxvb2MY2trGNbWxj89jYOc5xjnM="},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New()

			_, err := h.Write(tc.input)
			require.NoError(t, err)

			got := base64.StdEncoding.EncodeToString(h.Sum(nil))
			assert.Equal(t, tc.expect, got)
		})
	}
}

func TestIncrementalWriteMatchesSingleWrite(t *testing.T) {
	input := make([]byte, 4096)
	for i := range input {
		input[i] = byte(i * 7)
	}

	whole := New()
	_, err := whole.Write(input)
	require.NoError(t, err)

	pieces := New()
	for _, chunk := range [][]byte{input[:1], input[1:100], input[100:1333], input[1333:]} {
		_, err := pieces.Write(chunk)
		require.NoError(t, err)
	}

	assert.Equal(t, whole.Sum(nil), pieces.Sum(nil))
}

func TestSumIsNonDestructive(t *testing.T) {
	h := New()

	_, err := h.Write([]byte("hello"))
	require.NoError(t, err)

	first := h.Sum(nil)
	second := h.Sum(nil)
	assert.Equal(t, first, second)
}

func TestReset(t *testing.T) {
	h := New()

	_, err := h.Write([]byte("garbage"))
	require.NoError(t, err)

	h.Reset()

	empty := New()
	assert.Equal(t, empty.Sum(nil), h.Sum(nil))
}

func TestSumReader(t *testing.T) {
	got, err := SumReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "aCgDG9jwBhDc4Q1yawMZAAAAAAA=", got)
}

func TestSumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	got, err := SumFile(path)
	require.NoError(t, err)
	assert.Equal(t, "aCgDG9jwBhDc4Q1yawMZAAAAAAA=", got)

	_, err = SumFile(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
