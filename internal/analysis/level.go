package analysis

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// FloorDecibels is reported for silence instead of -Inf.
const FloorDecibels = -200.0

// MeanSquare returns the mean of the squared samples, 0 for an empty block.
func MeanSquare(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return floats.Dot(samples, samples) / float64(len(samples))
}

// Decibels converts a mean-square level to dB relative to full scale.
func Decibels(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return FloorDecibels
	}
	return math.Max(10*math.Log10(meanSquare), FloorDecibels)
}

// Leq returns the equivalent continuous level of samples in dB relative to
// full scale: 20*log10(rms).
func Leq(samples []float64) float64 {
	return Decibels(MeanSquare(samples))
}

// Peak returns the largest absolute sample value.
func Peak(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Max(floats.Max(samples), -floats.Min(samples))
}
