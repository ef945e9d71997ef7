package domain

// ModelCalibrationBucket is keyed by (range_type, model_prob_bucket). Rebuilt
// each resolver cycle by TRUNCATE + INSERT over the resolver's rolling
// 90-day resolved-opportunity window (spec §3). CorrectionRatio is clamped by the caller to a configured max to
// prevent runaway correction on sparse buckets.
type ModelCalibrationBucket struct {
	RangeType      RangeType
	ModelProbBucket float64 // bucket lower bound, e.g. 0.60 for [0.60,0.65)

	N              int
	AvgModelProb   float64
	ActualWinRate  float64
	CorrectionRatio float64 // ActualWinRate / AvgModelProb, clamped
}

// MarketCalibrationBucket is keyed by (platform, range_type, lead_time_bucket,
// price_bucket). The scanner's filter chain consults it for cal_blocks_edge
// and the max_model_market_ratio bypass; the monitor consults it to suppress
// edge_gone exits on trades the bucket confirms. It never sizes entries.
type MarketCalibrationBucket struct {
	Platform       Platform
	RangeType      RangeType
	LeadTimeBucket int // hours-to-resolution bucket, e.g. 24-hour buckets
	PriceBucket    float64

	N              int
	EmpiricalWinRate float64
	MarketAvgAsk   float64
	TrueEdge       float64 // EmpiricalWinRate - MarketAvgAsk
}

// CityErrorDistribution summarizes forecast-vs-actual error for one city over
// a rolling window of ensemble_corrected accuracy rows. Rebuilt each resolver
// cycle (spec §3).
type CityErrorDistribution struct {
	City string
	N    int

	MeanErrorF float64 // signed bias: actual - forecast
	MAEF       float64 // mean absolute error, the observation path's city-confidence input
	StdDevF    float64 // std dev of signed errors

	P5  float64
	P25 float64
	P50 float64
	P75 float64
	P95 float64
}
