package domain

import "time"

// SourceForecast is one forecast source's reading for a (city, target_date),
// captured verbatim before ensemble weighting so it can be persisted for
// rolling MAE calibration.
type SourceForecast struct {
	Source   string
	TempF    float64
	FetchedAt time.Time
}

// EnsembleCorrectedSource is the pseudo-source name under which the engine
// persists its own corrected-ensemble value alongside real source samples.
// The resolver's accuracy backfill treats it like any other source; the
// city error distribution is rebuilt exclusively from its rows (spec §3).
const EnsembleCorrectedSource = "ensemble_corrected"

// ForecastSample is one persisted forecast fetch (or corrected-ensemble
// value), backfilled with the actual temperature once the day resolves.
// These rows are the raw material for rolling per-source MAE weighting and
// the per-city error distribution (spec §4.3, §4.7 step 6).
type ForecastSample struct {
	ID         string // UUID v4
	City       string
	TargetDate string
	Source     string
	TempF      float64
	FetchedAt  time.Time

	ActualTempF *float64 // nil until the resolver backfills it
}

// SourceAccuracy is one source's rolling MAE over a recent window for one
// city, computed from backfilled ForecastSample rows.
type SourceAccuracy struct {
	Source  string
	MAE     float64
	Samples int
}

// ForecastDistribution is the ensemble forecast for one (city, target_date),
// produced fresh each scan cycle and briefly cached — never persisted as
// primary state (spec §3). Individual SourceForecast samples and the
// corrected-ensemble value are what get persisted, for calibration.
type ForecastDistribution struct {
	City       string
	TargetDate string

	EnsembleTempF float64
	StdDev        float64 // per-city empirical if enough samples, pooled otherwise

	// KalshiTempF is the parallel ensemble mean with the Kalshi resolution
	// source's weight boosted (spec §4.3): the scanner and monitor price
	// Kalshi ranges off this value. Equal to EnsembleTempF when the boosted
	// source is absent or carries zero weight.
	KalshiTempF float64

	Sources []EnsembleBreakdown

	// Disagreement is the spread across weighted sources (max-min of the
	// weighted readings), used to widen StdDev when sources diverge sharply.
	Disagreement float64

	// MarketImpliedMeanF is derived from platform mid-prices across the
	// range ladder for this (city, target_date), used as a cross-check.
	MarketImpliedMeanF float64

	ComputedAt time.Time
}
