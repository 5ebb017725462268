package vision

import (
	"sort"

	"face-attendance-go/internal/core/models"
)

// NMS keeps the most confident region of every group of regions overlapping
// by more than iouThreshold. Equal confidence keeps the earlier region.
func NMS(regions []models.FaceRegion, iouThreshold float64) []models.FaceRegion {
	if len(regions) < 2 {
		return regions
	}

	sorted := make([]models.FaceRegion, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]models.FaceRegion, 0, len(sorted))
	for _, candidate := range sorted {
		suppressed := false
		for _, k := range kept {
			if candidate.Box.IoU(k.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, candidate)
		}
	}
	return kept
}
