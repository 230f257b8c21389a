package postprocess

import (
	"cmp"
	"slices"

	"github.com/nvr-ai/go-postprocess/images"
)

// MaxNMSInput is the candidate cap used by the families that bound the
// quadratic suppression cost.
const MaxNMSInput = 400

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// IoUThreshold is the overlap above which a lower-scored box is suppressed.
	IoUThreshold float32 `json:"iouThreshold" yaml:"iouThreshold"`
	// TopK stops suppression once this many boxes were accepted. Zero or
	// negative means no limit.
	TopK int `json:"topK" yaml:"topK"`
	// CrossClass suppresses overlapping boxes regardless of class. When false
	// only boxes of the same class suppress each other.
	CrossClass bool `json:"crossClass" yaml:"crossClass"`
	// MaxCandidates truncates the sorted input before suppression. Zero or
	// negative means no cap.
	MaxCandidates int `json:"maxCandidates" yaml:"maxCandidates"`
}

// SortByScore stable-sorts detections by descending score. Equal scores keep
// their insertion order.
//
// Arguments:
//   - detections: The detections to sort in place.
func SortByScore(detections []Detection) {
	slices.SortStableFunc(detections, func(a, b Detection) int {
		return cmp.Compare(b.Score, a.Score)
	})
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// The input is stable-sorted by descending score in place and optionally
// truncated to MaxCandidates. Box areas are computed once, then the sorted
// list is walked: every entry that was not suppressed is accepted, and every
// later entry whose IoU with it exceeds the threshold is suppressed. The walk
// stops once TopK boxes were accepted.
//
// Arguments:
//   - detections: Candidate detections. The slice is reordered.
//   - config: NMS configuration.
//
// Returns:
//   - Accepted detections in descending score order. If no detections are
//     provided, returns nil.
func ApplyGreedyNMS(detections []Detection, config *NMSConfig) []Detection {
	if len(detections) == 0 {
		return nil
	}

	SortByScore(detections)
	if config.MaxCandidates > 0 && len(detections) > config.MaxCandidates {
		detections = detections[:config.MaxCandidates]
	}

	n := len(detections)
	areas := make([]float32, n)
	for i := range detections {
		areas[i] = detections[i].Box.Area()
	}

	topK := config.TopK
	if topK <= 0 {
		topK = n
	}

	filtered := make([]Detection, 0, min(n, topK))
	used := make([]bool, n)

	for i := 0; i < n && len(filtered) < topK; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if !config.CrossClass && anchor.Class != detections[j].Class {
				continue
			}

			// Suppress if IoU exceeds threshold.
			if images.IoUWithAreas(anchor.Box, detections[j].Box, areas[i], areas[j]) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
