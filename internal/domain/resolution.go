package domain

import "time"

// MarketResolution is the canonical, unique-per-market-id mapping from a
// resolved market to its settled outcome. Source of truth for both
// opportunity backfill and trade resolution (spec §3).
type MarketResolution struct {
	MarketID          string
	ActualTempF       float64
	WinningRange      Range
	ResolvedAt        time.Time
	ResolutionStation string
}
