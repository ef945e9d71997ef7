package scanner

import (
	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/calibration"
	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// candidate carries everything one filter-chain evaluator needs for one
// (market, side) pair, assembled by the scanner before running the chain.
type candidate struct {
	Market   domain.Market
	City     domain.City
	Side     domain.Side

	// Ask is the side-adjusted entry price: the YES book's ask for YES,
	// its complement for NO. Price-window filters and the model/market
	// ratio run on this, not the raw YES quote.
	Ask float64

	PlatformTradingDisabled bool // spec §4.4 step 1: venue-wide kill switch
	TopDepth                float64

	HoursToResolution float64
	CityMAE           float64

	RawProbability       float64
	CorrectedProbability float64
	Edge                 float64
	StdDev               float64
	ForecastTempF        float64
	MarketImpliedMeanF   float64

	MarketBucket *domain.MarketCalibrationBucket
}

// filterChain is the spec §4.4 ordered waterfall: each evaluator sees the
// candidate and returns a non-empty reason when it blocks. The chain stops at the first block —
// later evaluators never run, so FilterReasons records exactly one reason
// per blocked opportunity.
type filterChain struct {
	cfg config.FilterConfig
	cal calibration.Config
}

func newFilterChain(cfg config.FilterConfig, cal calibration.Config) *filterChain {
	return &filterChain{cfg: cfg, cal: cal}
}

// Evaluate runs the full ordered chain and returns the first blocking
// reason, or "" if the candidate passed every step.
func (f *filterChain) Evaluate(c candidate) string {
	for _, step := range f.steps(c) {
		if reason := step(); reason != "" {
			return reason
		}
	}
	return ""
}

func (f *filterChain) steps(c candidate) []func() string {
	return []func() string{
		func() string { return f.platformTradingDisabled(c) },
		func() string { return f.kalshiCityBlocked(c) },
		func() string { return f.ghostOrAskBounds(c) },
		func() string { return f.minHours(c) },
		func() string { return f.cityMAEGate(c) },
		func() string { return f.spread(c) },
		func() string { return f.stdRangeRatio(c) },
		func() string { return f.modelMarketRatio(c) },
		func() string { return f.marketDivergence(c) },
		func() string { return f.observationBoundary(c) },
		func() string { return f.calBlocks(c) },
		func() string { return f.lowEdge(c) },
	}
}

// 1. platform_trading_disabled
func (f *filterChain) platformTradingDisabled(c candidate) string {
	if c.PlatformTradingDisabled {
		return "platform_trading_disabled"
	}
	return ""
}

// 2. kalshi_city_blocked
func (f *filterChain) kalshiCityBlocked(c candidate) string {
	if c.Market.Platform == domain.PlatformKalshi && c.City.KalshiBlocked {
		return "kalshi_city_blocked"
	}
	return ""
}

// 3. ghost_market / no_ask_floor / no_ask_cap
func (f *filterChain) ghostOrAskBounds(c candidate) string {
	// A market with no two-sided book is a ghost: listed but untradable.
	// Depth isn't part of this check — listings don't carry it, and a
	// quoted-but-thin book is the volume gate's problem, not a ghost.
	if c.Market.BestAsk <= 0 || c.Market.BestBid <= 0 {
		return "ghost_market"
	}
	if c.Side == domain.SideYes && c.Ask < f.cfg.MinAskYes {
		return "no_ask_floor"
	}
	if c.Side == domain.SideNo {
		// The narrow profitable NO window, on the NO price itself: below
		// the floor the payout doesn't cover losses; above the cap the
		// empirical win rate no longer does.
		if c.Ask < f.cfg.MinAskNo {
			return "no_ask_floor"
		}
		if c.Ask > f.cfg.MaxAskNo {
			return "no_ask_cap"
		}
	}
	return ""
}

// 4. min_hours
func (f *filterChain) minHours(c candidate) string {
	if c.HoursToResolution < f.cfg.MinHoursToResolution {
		return "min_hours"
	}
	return ""
}

// 5. city_mae_gate
func (f *filterChain) cityMAEGate(c candidate) string {
	ceiling := f.cfg.CityMAECeilingUnbounded
	if c.Market.Range.Type == domain.RangeBounded {
		ceiling = f.cfg.CityMAECeilingBounded
	}
	if c.CityMAE > 0 && c.CityMAE > ceiling {
		return "city_mae_gate"
	}
	return ""
}

// 6. high_spread / spread_pct
func (f *filterChain) spread(c candidate) string {
	if c.Market.Spread > f.cfg.MaxSpread {
		return "high_spread"
	}
	if c.Market.BestAsk > 0 && c.Market.Spread/c.Market.BestAsk > f.cfg.MaxSpreadPct {
		return "spread_pct"
	}
	return ""
}

// 7. high_std_range_ratio (bounded YES only, spec §4.4 step 7).
func (f *filterChain) stdRangeRatio(c candidate) string {
	if c.Side != domain.SideYes || c.Market.Range.Type != domain.RangeBounded {
		return ""
	}
	width := c.Market.Range.Width()
	if width > 0 && !isInf(width) && c.StdDev/width > f.cfg.MaxStdRangeRatio {
		return "high_std_range_ratio"
	}
	return ""
}

// 8. max_model_market_ratio, bypassed when calConfirmsEdge (spec §4.4, §9).
func (f *filterChain) modelMarketRatio(c candidate) string {
	if c.Ask <= 0 {
		return ""
	}
	ratio := c.CorrectedProbability / c.Ask
	if ratio <= f.cfg.MaxModelMarketRatio {
		return ""
	}
	if calibration.Confirms(c.MarketBucket, c.Ask, c.Edge, f.cal) {
		return ""
	}
	return "max_model_market_ratio"
}

// 9. market_divergence
func (f *filterChain) marketDivergence(c candidate) string {
	if c.MarketImpliedMeanF == 0 {
		return ""
	}
	if abs(c.ForecastTempF-c.MarketImpliedMeanF) > f.cfg.MaxMarketDivergence {
		return "market_divergence"
	}
	return ""
}

// 10. observation_boundary: about-to-tip ranges need a wider margin than the
// static edge threshold alone provides (spec §4.4 step 10).
func (f *filterChain) observationBoundary(c candidate) string {
	r := c.Market.Range
	if r.Min == nil && r.Max == nil {
		return ""
	}
	buf := f.cfg.ObservationBoundaryBufferF
	if r.Max != nil && abs(c.ForecastTempF-*r.Max) < buf {
		return "observation_boundary"
	}
	if r.Min != nil && abs(c.ForecastTempF-*r.Min) < buf {
		return "observation_boundary"
	}
	return ""
}

// 11. calBlocksEdge: a confident calibration bucket overrides a positive raw
// edge outright (spec §4.4 step 11, §9 shared edgeBypass predicate).
func (f *filterChain) calBlocks(c candidate) string {
	if calibration.Blocks(c.MarketBucket, f.cal) {
		return "cal_blocks_edge"
	}
	return ""
}

// 12. low_edge
func (f *filterChain) lowEdge(c candidate) string {
	if c.Edge < f.cfg.MinEdgePct {
		return "low_edge"
	}
	return ""
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func isInf(f float64) bool {
	return f > 1e300 || f < -1e300
}
