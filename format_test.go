package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatETA(t *testing.T) {
	tests := []struct {
		name      string
		remaining int64
		speed     float64
		want      string
	}{
		{"unknown speed", 1000, 0, "--"},
		{"nothing left", 0, 100, "--"},
		{"seconds", 5000, 1000, "5s"},
		{"minutes", 90_000, 1000, "1m30s"},
		{"hours", 7_200_000, 1000, "2h00m"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, formatETA(tc.remaining, tc.speed))
		})
	}
}

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "0%", formatPercent(0, 100))
	assert.Equal(t, "50%", formatPercent(50, 100))
	assert.Equal(t, "100%", formatPercent(100, 100))
	assert.Equal(t, "0%", formatPercent(10, 0))
}

func TestRemoteFileName(t *testing.T) {
	assert.Equal(t, "report.pdf", remoteFileName("", "/home/u/report.pdf"))
	assert.Equal(t, "Docs/report.pdf", remoteFileName("Docs", "/home/u/report.pdf"))
	assert.Equal(t, "Docs/2026/report.pdf", remoteFileName("/Docs/2026/", "report.pdf"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", shortID("12345678-abcd-efgh"))
	assert.Equal(t, "abc", shortID("abc"))
}
