package domain

import (
	"math"
	"time"
)

// Platform identifies one of the two supported market venues.
type Platform string

const (
	PlatformPolymarket Platform = "polymarket"
	PlatformKalshi      Platform = "kalshi"
)

// EntryFee is the per-share fee contribution at the given contract price.
// Polymarket charges nothing for this market class; Kalshi charges
// 0.07 × price × (1 − price) per contract, at entry when held to settlement
// and again at exit for early closes (spec §4.2). Duplicated here from the
// platform adapters so sizing and exit-pricing code paths that only have a
// Platform tag don't need the full adapter surface.
func (p Platform) EntryFee(price float64) float64 {
	if p == PlatformKalshi {
		return 0.07 * price * (1 - price)
	}
	return 0
}

// Unit is the temperature unit a market's range is quoted in.
type Unit string

const (
	UnitFahrenheit Unit = "F"
	UnitCelsius    Unit = "C"
)

// RangeType distinguishes bounded ranges from one-sided unbounded ones.
type RangeType string

const (
	RangeBounded   RangeType = "bounded"
	RangeUnbounded RangeType = "unbounded"
)

// Range is a parsed, continuity-corrected temperature interval.
//
// Min or Max is nil for unbounded ranges: Min == nil means "at or below Max"
// (an upper-unbounded-below range, i.e. "X or below"), Max == nil means
// "at or above Min" ("above X"). Both set means a bounded range.
type Range struct {
	Min  *float64
	Max  *float64
	Type RangeType
}

// Width returns Max-Min for a bounded range, or +Inf for unbounded ranges.
func (r Range) Width() float64 {
	if r.Min == nil || r.Max == nil {
		return math.Inf(1)
	}
	return *r.Max - *r.Min
}

// Market is a single tradable temperature-range contract on one platform.
// Observed only: the engine never mutates a Market once fetched.
type Market struct {
	Platform   Platform
	MarketID   string
	City       string // City.Name this market resolves against
	TargetDate string // YYYY-MM-DD, city-local calendar date
	Range      Range
	Unit       Unit

	BestBid    float64
	BestAsk    float64
	Spread     float64
	TopDepth   float64 // top-of-book depth in contracts
	Volume     float64

	RawLabel string // the unparsed label this Range was parsed from, kept for audit
}

// HoursToResolution returns hours until the market's target date ends,
// treating TargetDate as city-local midnight-to-midnight. Zero if unparseable.
func (m Market) HoursToResolution(loc *time.Location, now time.Time) float64 {
	d, err := time.ParseInLocation("2006-01-02", m.TargetDate, loc)
	if err != nil {
		return 0
	}
	end := d.Add(24 * time.Hour)
	h := end.Sub(now).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// City is static per-run configuration describing a resolution location.
type City struct {
	Name       string
	TimezoneID string // IANA timezone, e.g. "America/New_York"
	Latitude   float64
	Longitude  float64
	Unit       Unit

	// PolymarketStation and NWSStation are the ICAO/station identifiers each
	// platform resolves against. When they differ the city is a "dual-station
	// city" (spec invariant 15): forecast confidence tier is demoted one level.
	PolymarketStation string
	NWSStation        string

	// CountryCode is the ISO country code the commercial observations API
	// expects alongside the station ID (e.g. "US", "CA") — required so a
	// non-US city like Toronto resolves against the right country bucket
	// instead of silently querying a US station of the same ICAO prefix.
	CountryCode string

	// PWSStationIDs lists nearby personal-weather-station identifiers used by
	// the observation fast path's corrected-median entry signal.
	PWSStationIDs []string

	KalshiBlocked     bool // per-city mute: resolution source has unresolved bias
	KalshiNWSPriority bool
}

// DualStation reports whether this city resolves against two distinct
// stations across platforms (spec §4.3, §8 invariant 15).
func (c City) DualStation() bool {
	return c.PolymarketStation != "" && c.NWSStation != "" && c.PolymarketStation != c.NWSStation
}

// Location resolves the city's IANA timezone, defaulting to UTC if unset or
// unrecognized by the local tzdata (never fails the caller).
func (c City) Location() *time.Location {
	if c.TimezoneID == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimezoneID)
	if err != nil {
		return time.UTC
	}
	return loc
}
