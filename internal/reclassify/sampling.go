// sampling.go: deterministic frame selection for clip reclassification.
package reclassify

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"time"
)

// sampleResolution is the granularity of sampled clip offsets. Frigate clips
// are short; a tenth of a second distinguishes frames without assuming a
// frame rate.
const sampleResolution = 100 * time.Millisecond

// seedFor derives the sampling seed from the event id, so re-running a job
// for the same event examines the same frames.
func seedFor(eventID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(eventID))
	return int64(h.Sum64())
}

// SampleOffsets picks up to maxFrames unique clip offsets, normally
// distributed around the clip midpoint where the bird is most likely framed.
// The result is sorted ascending and fully determined by
// (clipLength, maxFrames, eventID).
func SampleOffsets(clipLength time.Duration, maxFrames int, eventID string) []time.Duration {
	if clipLength <= 0 || maxFrames <= 0 {
		return nil
	}

	ticks := int(clipLength / sampleResolution)
	if ticks < 1 {
		ticks = 1
	}
	if maxFrames > ticks {
		maxFrames = ticks
	}

	rng := rand.New(rand.NewSource(seedFor(eventID))) //nolint:gosec // deterministic sampling, not crypto
	mid := float64(ticks) / 2
	stddev := float64(ticks) / 4

	seen := make(map[int]struct{}, maxFrames)
	// Bounded draw count so a degenerate distribution cannot spin forever.
	for attempts := 0; len(seen) < maxFrames && attempts < maxFrames*50; attempts++ {
		tick := int(rng.NormFloat64()*stddev + mid)
		if tick < 0 {
			tick = 0
		}
		if tick >= ticks {
			tick = ticks - 1
		}
		seen[tick] = struct{}{}
	}

	offsets := make([]time.Duration, 0, len(seen))
	for tick := range seen {
		offsets = append(offsets, time.Duration(tick)*sampleResolution)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}
