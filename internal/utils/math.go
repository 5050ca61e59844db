package utils

import "math"

// Round rounds a float64 value to 2 decimal places, half away from zero.
// Snapshot figures (CPU usage, frequency) are reported at this precision.
func Round(val float64) float64 {
	return math.Round(val*100) / 100
}

// Percent returns part as a percentage of whole, rounded to 2 decimal places
// and clamped to [0, 100]. A non-positive whole yields 0.
func Percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	p := Round(part / whole * 100)
	return math.Max(0, math.Min(100, p))
}
