// Package classifier provides the image classification runtime: model
// loading, letterbox preprocessing, single-image inference and multi-frame
// soft-voting ensembles. Inference runs on a bounded worker pool so it never
// blocks the event pipeline.
package classifier

import (
	"context"
	"sort"
	"strings"
)

// UnknownBirdLabel is the canonical display label for recognized "unknown"
// model outputs.
const UnknownBirdLabel = "Unknown Bird"

// unknownAliases are model labels treated as unknown-bird outputs.
var unknownAliases = map[string]struct{}{
	"unknown":      {},
	"unknown bird": {},
	"bird":         {},
	"unidentified": {},
}

// Result is a single label/score pair from the model.
type Result struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// FrameResult is the top result for one frame of an ensemble.
type FrameResult struct {
	FrameIndex int     `json:"frame_index"`
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
}

// EnsembleResult is the aggregate of a multi-frame classification.
type EnsembleResult struct {
	Label    string        `json:"label"`
	Score    float64       `json:"score"`
	PerFrame []FrameResult `json:"per_frame"`
}

// Status describes the runtime without side effects.
type Status struct {
	Runtime string `json:"runtime"`
	Loaded  bool   `json:"loaded"`
	Error   string `json:"error,omitempty"`
}

// Runtime is the classification backend interface. Concrete adapters
// (different model formats) are interchangeable behind it.
type Runtime interface {
	// ClassifyImage runs inference on a single encoded image and returns
	// results sorted by descending score.
	ClassifyImage(ctx context.Context, imageData []byte) ([]Result, error)

	// ClassifyFrames runs inference over multiple frames and aggregates by
	// soft voting.
	ClassifyFrames(ctx context.Context, frames [][]byte) (*EnsembleResult, error)

	// Status reports the runtime state with no side effects.
	Status() Status
}

// CanonicalizeLabel maps recognized unknown labels to UnknownBirdLabel and
// leaves everything else untouched.
func CanonicalizeLabel(label string) string {
	if _, ok := unknownAliases[strings.ToLower(strings.TrimSpace(label))]; ok {
		return UnknownBirdLabel
	}
	return label
}

// IsUnknownLabel reports whether the label is an unknown-bird output.
func IsUnknownLabel(label string) bool {
	return CanonicalizeLabel(label) == UnknownBirdLabel
}

// SoftVote aggregates per-frame results by summing per-label scores across
// frames and normalizing by frame count. Ties on the aggregate break toward
// the higher mean score over frames where the label appeared, then toward
// the lexicographically smaller label.
func SoftVote(perFrame [][]Result, frameCount int) (label string, score float64) {
	if frameCount == 0 || len(perFrame) == 0 {
		return "", 0
	}

	sums := make(map[string]float64)
	appearances := make(map[string]int)
	for _, frame := range perFrame {
		for _, r := range frame {
			sums[r.Label] += r.Score
			appearances[r.Label]++
		}
	}

	labels := make([]string, 0, len(sums))
	for l := range sums {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		li, lj := labels[i], labels[j]
		si := sums[li] / float64(frameCount)
		sj := sums[lj] / float64(frameCount)
		if si != sj {
			return si > sj
		}
		mi := sums[li] / float64(appearances[li])
		mj := sums[lj] / float64(appearances[lj])
		if mi != mj {
			return mi > mj
		}
		return li < lj
	})

	best := labels[0]
	return best, sums[best] / float64(frameCount)
}
