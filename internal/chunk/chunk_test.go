package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func TestNewPlanner_RejectsMisaligned(t *testing.T) {
	tests := []struct {
		name string
		size int64
		ok   bool
	}{
		{"zero", 0, false},
		{"negative", -Alignment, false},
		{"one alignment unit", Alignment, true},
		{"ten mib", 10 * mib, true},
		{"four mib", 4 * mib, true},
		{"off by one", Alignment + 1, false},
		{"one mib", mib, false}, // 1 MiB is not a 320 KiB multiple
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanner(tt.size)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestNextRange_Sequence(t *testing.T) {
	p, err := NewPlanner(4 * mib)
	require.NoError(t, err)

	// 10 MiB file with 4 MiB chunks: 4, 4, 2.
	total := int64(10 * mib)

	r1, ok := p.NextRange(0, total)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 0, End: 4 * mib}, r1)

	r2, ok := p.NextRange(r1.End, total)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 4 * mib, End: 8 * mib}, r2)

	r3, ok := p.NextRange(r2.End, total)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 8 * mib, End: 10 * mib}, r3)
	assert.Equal(t, int64(2*mib), r3.Len())

	_, ok = p.NextRange(r3.End, total)
	assert.False(t, ok)
}

func TestNextRange_NeverExceedsTotal(t *testing.T) {
	for _, units := range []int64{1, 2, 3, 13, 32} {
		p, err := NewPlanner(units * Alignment)
		require.NoError(t, err)

		total := int64(10*mib + 777)

		offset := int64(0)
		for {
			r, ok := p.NextRange(offset, total)
			if !ok {
				break
			}

			assert.LessOrEqual(t, r.End, total)
			assert.Greater(t, r.Len(), int64(0))
			offset = r.End
		}

		assert.Equal(t, total, offset)
	}
}

func TestNextRange_EmptyFile(t *testing.T) {
	p, err := NewPlanner(DefaultSize)
	require.NoError(t, err)

	_, ok := p.NextRange(0, 0)
	assert.False(t, ok)
}

func TestNextRange_ResumeMidFile(t *testing.T) {
	p, err := NewPlanner(4 * mib)
	require.NoError(t, err)

	// Resuming from a persisted offset produces the same tail sequence an
	// uninterrupted run would have produced from that offset.
	total := int64(10 * mib)
	resumed := collectRanges(p, 4*mib, total)
	uninterrupted := collectRanges(p, 0, total)

	assert.Equal(t, uninterrupted[1:], resumed)
}

func collectRanges(p *Planner, offset, total int64) []Range {
	var out []Range

	for {
		r, ok := p.NextRange(offset, total)
		if !ok {
			return out
		}

		out = append(out, r)
		offset = r.End
	}
}

func TestCount(t *testing.T) {
	p, err := NewPlanner(4 * mib)
	require.NoError(t, err)

	assert.Equal(t, int64(0), p.Count(0))
	assert.Equal(t, int64(1), p.Count(1))
	assert.Equal(t, int64(1), p.Count(4*mib))
	assert.Equal(t, int64(3), p.Count(10*mib))
}
