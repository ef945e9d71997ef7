// Package calibration holds the pure predicates shared by the scanner's
// filter chain and the monitor's exit evaluators (spec §9 "Calibration
// suppression coupling"): both must agree on when a market-calibration
// bucket blocks or confirms a trade's edge, or the two components drift out
// of sync the way the source's did for weeks.
package calibration

import "github.com/mrosas-dev/wxtrader/internal/domain"

// Config holds the bucket-confirmation/blocking thresholds (spec §4.4, §6).
type Config struct {
	BlocksMinN   int
	ConfirmsMinN int
	MinTradeEdge float64
}

// Blocks reports whether a (platform, range_type, lead_time, price) bucket
// has enough history to override a positive raw edge and block entry
// outright (spec §4.4 step 11, calBlocksEdge).
func Blocks(bucket *domain.MarketCalibrationBucket, cfg Config) bool {
	return bucket != nil && bucket.N >= cfg.BlocksMinN && bucket.TrueEdge < 0
}

// Confirms reports whether a bucket has enough history and a strong enough
// empirical edge over the current ask to justify bypassing the
// max_model_market_ratio sanity filter at entry (spec §4.4 calConfirmsEdge)
// and, symmetrically, to suppress the monitor's edge_gone exit for a trade
// that was entered this way (spec §4.6, §8 invariant 16).
func Confirms(bucket *domain.MarketCalibrationBucket, ask, rawEdge float64, cfg Config) bool {
	return bucket != nil &&
		bucket.N >= cfg.ConfirmsMinN &&
		(bucket.EmpiricalWinRate-ask) >= cfg.MinTradeEdge &&
		rawEdge >= 0
}

// LeadTimeBucket maps hours-to-resolution onto the 24-hour bucket lower
// bound every market-calibration consumer keys on. Scanner (entry), monitor
// (exit suppression), and resolver (rebuild) must all agree on this mapping
// or entries land in buckets exits never look up.
func LeadTimeBucket(hours float64) int {
	const bucketHours = 24
	b := int(hours) / bucketHours
	if b < 0 {
		b = 0
	}
	return b * bucketHours
}

// PriceBucket maps an ask price onto the 5-cent bucket lower bound used by
// market-calibration keys.
func PriceBucket(ask float64) float64 {
	const width = 0.05
	b := float64(int(ask/width)) * width
	if b < 0 {
		b = 0
	}
	return b
}
