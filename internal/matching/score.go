package matching

import "math"

// proximityCapKm caps the distance contribution: anything at or beyond
// 50 km contributes zero.
const proximityCapKm = 50.0

// Score ranks a candidate fundi for a job. rating is on the 0–5 scale;
// acceptanceRate and completionRate are 0–1; distanceKm is the great-
// circle distance between fundi and job. Weights: rating 0.4,
// acceptance 0.3, completion 0.2, proximity 0.1.
func Score(rating, acceptanceRate, completionRate, distanceKm float64) float64 {
	proximity := 1 - math.Min(distanceKm/proximityCapKm, 1)
	return 0.4*clamp01(rating/5) +
		0.3*clamp01(acceptanceRate) +
		0.2*clamp01(completionRate) +
		0.1*proximity
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
