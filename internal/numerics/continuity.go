package numerics

// ContinuityCorrect expands a parsed whole-integer boundary by ±0.5 so a
// discrete temperature range maps onto the continuous normal distribution
// used to price it (spec §4.2): "34-35°F" parses to [33.5, 35.5].
func ContinuityCorrect(min, max *float64) (*float64, *float64) {
	var lo, hi *float64
	if min != nil {
		v := *min - 0.5
		lo = &v
	}
	if max != nil {
		v := *max + 0.5
		hi = &v
	}
	return lo, hi
}
