package reclassify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleOffsetsDeterministic(t *testing.T) {
	t.Parallel()

	first := SampleOffsets(10*time.Second, 15, "evt-abc")
	second := SampleOffsets(10*time.Second, 15, "evt-abc")
	assert.Equal(t, first, second, "same event must sample the same offsets")

	other := SampleOffsets(10*time.Second, 15, "evt-xyz")
	assert.NotEqual(t, first, other, "different events should sample differently")
}

func TestSampleOffsetsBoundsAndOrder(t *testing.T) {
	t.Parallel()

	clipLength := 8 * time.Second
	offsets := SampleOffsets(clipLength, 20, "evt-1")
	require.NotEmpty(t, offsets)
	assert.LessOrEqual(t, len(offsets), 20)

	seen := make(map[time.Duration]struct{})
	for i, offset := range offsets {
		assert.GreaterOrEqual(t, offset, time.Duration(0))
		assert.Less(t, offset, clipLength)
		if i > 0 {
			assert.Greater(t, offset, offsets[i-1], "offsets must be sorted ascending")
		}
		_, dup := seen[offset]
		assert.False(t, dup, "offsets must be unique")
		seen[offset] = struct{}{}
	}
}

func TestSampleOffsetsShortClip(t *testing.T) {
	t.Parallel()

	// A clip shorter than the sampling resolution still yields one frame.
	offsets := SampleOffsets(50*time.Millisecond, 10, "evt-short")
	assert.Equal(t, []time.Duration{0}, offsets)

	// Frame budget is capped by the number of distinct ticks.
	offsets = SampleOffsets(300*time.Millisecond, 100, "evt-tiny")
	assert.LessOrEqual(t, len(offsets), 3)
}

func TestSampleOffsetsDegenerateInputs(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SampleOffsets(0, 10, "evt-1"))
	assert.Nil(t, SampleOffsets(-time.Second, 10, "evt-1"))
	assert.Nil(t, SampleOffsets(10*time.Second, 0, "evt-1"))
}
