// Package numerics implements the small set of probability and sizing
// formulas the rest of the engine depends on for calibration-accurate
// results: the normal CDF, Kelly sizing, and continuity correction.
package numerics

import "math"

const sqrt2 = math.Sqrt2

// normalCDFCoeffs are the Abramowitz & Stegun 7.1.26 rational approximation
// coefficients for erf.
const (
	asP  = 0.3275911
	asA1 = 0.254829592
	asA2 = -0.284496736
	asA3 = 1.421413741
	asA4 = -1.453152027
	asA5 = 1.061405429
)

// NormalCDF returns Φ(x) for the standard normal distribution using the
// Abramowitz & Stegun 7.1.26 approximation, transformed to z = |x|/√2 with
// exp(-z*z). This specific transformation is required: computing the same
// polynomial against exp(-x²/2) with the untransformed |x| introduces a
// ~2.9% error at one standard deviation and silently destroys calibration.
func NormalCDF(x float64) float64 {
	z := math.Abs(x) / sqrt2
	t := 1.0 / (1.0 + asP*z)
	poly := ((((asA5*t+asA4)*t+asA3)*t+asA2)*t + asA1) * t
	erf := 1.0 - poly*math.Exp(-z*z)
	if x < 0 {
		erf = -erf
	}
	return 0.5 * (1.0 + erf)
}

// RangeProbability returns the probability mass the normal distribution
// N(mean, stdDev) assigns to [lo, hi], handling unbounded sides: a nil lo
// means "at or below hi", a nil hi means "at or above lo" (spec §4.3).
func RangeProbability(lo, hi *float64, mean, stdDev float64) float64 {
	if stdDev <= 0 {
		return 0
	}
	switch {
	case lo == nil && hi == nil:
		return 1
	case lo == nil:
		return NormalCDF((*hi - mean) / stdDev)
	case hi == nil:
		return 1 - NormalCDF((*lo-mean)/stdDev)
	default:
		return NormalCDF((*hi-mean)/stdDev) - NormalCDF((*lo-mean)/stdDev)
	}
}
