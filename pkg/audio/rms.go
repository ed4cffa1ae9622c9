package audio

import "math"

// RMS returns the root-mean-square energy of the sample block:
// sqrt(mean(x²)). For samples in [-1, 1] the result is in [0, 1].
//
// RMS is pure and deterministic. An empty slice returns 0; callers that need
// to distinguish "no data" from "digital silence" must guard the input
// themselves.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
