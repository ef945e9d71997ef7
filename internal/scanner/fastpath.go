package scanner

import (
	"time"

	"github.com/google/uuid"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// GWEvent is the observation poller's signal that a city's running high just
// moved (mirrors observation.PendingEvent, kept as a separate type so this
// package doesn't depend on the observation adapter's internals).
type GWEvent struct {
	City            string
	TargetDate      string
	ObservationHigh float64
	WUHigh          float64
	MetarHigh       float64
	PWSMedianF      float64
	PWSConfirmed    bool
}

// GWCandidate pairs a guaranteed-win Opportunity with the entry reason and
// observation audit the executor stamps on the resulting Trade (spec §4.8).
type GWCandidate struct {
	Opportunity     domain.Opportunity
	Reason          domain.EntryReason
	ObservationHigh float64
	WUHigh          float64
}

// EvaluateGWFastPath is the narrow, latency-sensitive entry point the
// coordinator's fast loop calls instead of the full scan cycle: given one
// city's just-moved running high and the markets currently open for its
// target date, it finds ranges the observation already guarantees the
// outcome of, with enough margin past the boundary and at a tradable ask
// (spec §4.8). heldYES carries the city's open YES trades for adjacent-NO
// protection.
func EvaluateGWFastPath(cfg config.ObservationConfig, event GWEvent, markets []domain.Market, heldYES []domain.Trade, now time.Time) []GWCandidate {
	var out []GWCandidate
	dualConfirmed := event.PWSConfirmed && event.WUHigh > 0

	for _, m := range markets {
		if m.City != event.City || m.TargetDate != event.TargetDate {
			continue
		}

		// PWS can lead the authoritative stations by tens of minutes; an
		// authoritative high is trusted on its own, a PWS-only one is its
		// own entry reason with its own bankroll (spec §4.8).
		high := event.ObservationHigh
		reason := domain.ReasonGuaranteedWin
		if event.PWSMedianF > 0 && event.PWSMedianF > maxFloat(event.WUHigh, event.MetarHigh) && !dualConfirmed {
			reason = domain.ReasonGuaranteedWinPWS
		}

		// Platform-aware min-gap guard: the observed high must clear the
		// boundary by more on the platform whose resolution source can
		// diverge from the station we watch (spec §4.8).
		gap := cfg.MinGapFor(string(m.Platform))

		side, ok := decidedSide(m.Range, high, gap)
		if !ok {
			continue
		}

		ask, bid := m.BestAsk, m.BestBid
		if side == domain.SideNo {
			ask, bid = 1-m.BestBid, 1-m.BestAsk
		}

		// Profit margin in cents: a near-certain win still has to pay for
		// itself after the market's own repricing (spec §6 min_margin_cents).
		if (1-ask)*100 < cfg.MinMarginCents {
			continue
		}

		minAsk := cfg.MinAsk
		if dualConfirmed {
			minAsk = cfg.MinAskDualConfirmed
		}
		if ask < minAsk || ask > cfg.MaxAsk {
			continue
		}

		if side == domain.SideNo && adjacentNO(m.Range, event.City, m.TargetDate, heldYES) {
			continue
		}

		out = append(out, GWCandidate{
			Opportunity: domain.Opportunity{
				ID:                   uuid.NewString(),
				ScannedAt:            now,
				CycleID:              "gw-" + uuid.NewString(),
				City:                 m.City,
				TargetDate:           m.TargetDate,
				Platform:             m.Platform,
				MarketID:             m.MarketID,
				Range:                m.Range,
				Side:                 side,
				RangeType:            m.Range.Type,
				Unit:                 m.Unit,
				Ask:                  ask,
				Bid:                  bid,
				Spread:               m.Spread,
				Volume:               m.Volume,
				RawProbability:       1,
				CorrectedProbability: 1,
				ForecastTempF:        high,
				ForecastConfidence:   1,
				Edge:                 1 - ask,
				Passed:               true,
			},
			Reason:          reason,
			ObservationHigh: event.ObservationHigh,
			WUHigh:          event.WUHigh,
		})
	}
	return out
}

// decidedSide reports which side, if any, the observed running high has
// already decided, requiring the high to clear the relevant boundary by gap
// degrees. The high is monotonic: entering a range from below locks YES in
// only while the ceiling holds; passing a ceiling locks NO in permanently.
func decidedSide(r domain.Range, high, gap float64) (domain.Side, bool) {
	switch {
	case r.Min != nil && r.Max != nil:
		if high >= *r.Min+gap && high <= *r.Max {
			return domain.SideYes, true
		}
		if high > *r.Max+gap {
			return domain.SideNo, true
		}
	case r.Max != nil: // "X or below": NO is decided once the ceiling breaks
		if high > *r.Max+gap {
			return domain.SideNo, true
		}
	case r.Min != nil: // "above X": YES is decided once the floor breaks
		if high >= *r.Min+gap {
			return domain.SideYes, true
		}
	}
	return "", false
}

// adjacentNO is the fast path's layer of the adjacent-NO defense (spec §5):
// a NO range ending at or below a held YES range's floor on the same
// city/date is correlated risk, not an independent bet.
func adjacentNO(noRange domain.Range, city, targetDate string, heldYES []domain.Trade) bool {
	if noRange.Max == nil {
		return false
	}
	for _, t := range heldYES {
		if t.City != city || t.TargetDate != targetDate || t.Side != domain.SideYes {
			continue
		}
		if t.Range.Min != nil && *noRange.Max <= *t.Range.Min {
			return true
		}
	}
	return false
}

// DedupCrossPlatform keeps only the cheapest entry per (city, date, range,
// side) when the same outcome trades on both platforms (spec §4.8): paying
// 0.88 on one venue for the certainty 0.66 buys on the other is pure waste.
func DedupCrossPlatform(cands []GWCandidate) []GWCandidate {
	type key struct {
		city, date, rng string
		side            domain.Side
	}
	best := map[key]GWCandidate{}
	var order []key
	for _, c := range cands {
		k := key{c.Opportunity.City, c.Opportunity.TargetDate, gwRangeKey(c.Opportunity.Range), c.Opportunity.Side}
		prev, seen := best[k]
		if !seen {
			best[k] = c
			order = append(order, k)
			continue
		}
		if c.Opportunity.Ask < prev.Opportunity.Ask {
			best[k] = c
		}
	}
	out := make([]GWCandidate, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func gwRangeKey(r domain.Range) string {
	bound := func(f *float64) string {
		if f == nil {
			return "nil"
		}
		i := int(*f * 10)
		neg := ""
		if i < 0 {
			neg = "-"
			i = -i
		}
		return neg + gwItoa(i/10) + "." + gwItoa(i%10)
	}
	return bound(r.Min) + ".." + bound(r.Max)
}

func gwItoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
