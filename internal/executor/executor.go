// Package executor turns passed Opportunities and guaranteed-win candidates
// into sized, deduplicated Trade rows, gated by bankroll and market-volume
// limits (spec §4.5).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
	"github.com/mrosas-dev/wxtrader/internal/scanner"
)

// Executor applies sizing and gates, then submits trades to storage.
type Executor struct {
	storage ports.Storage
	cfg     config.Config
	cityTZ  map[string]*time.Location

	// submitted closes the fast-path race window: the guaranteed-win loop
	// runs far more often than a DB round trip settles, so a second event
	// for the same (city, target_date, market, side) before the first
	// trade's write lands would otherwise double-enter (spec §4.8, §5).
	// Intentionally resettable on restart.
	mu        sync.Mutex
	submitted map[string]time.Time
}

func New(storage ports.Storage, cfg config.Config) *Executor {
	tz := make(map[string]*time.Location, len(cfg.Cities))
	for _, c := range cfg.Cities {
		tz[c.Name] = c.ToDomain().Location()
	}
	return &Executor{storage: storage, cfg: cfg, cityTZ: tz, submitted: map[string]time.Time{}}
}

// ExecuteEdge runs the bankroll/volume/dedup gates over every passed
// edge-trade Opportunity and submits the ones that clear them. Opportunities
// that fail a gate after having passed the scanner's filter chain are
// backfilled to executor_blocked (spec §4.4 action column).
func (e *Executor) ExecuteEdge(ctx context.Context, opps []domain.Opportunity, now time.Time) ([]domain.Trade, error) {
	var trades []domain.Trade
	for _, o := range opps {
		if !o.Passed {
			continue
		}

		t, blockReason, err := e.buildEdgeTrade(ctx, o, now)
		if err != nil {
			return nil, fmt.Errorf("executor.ExecuteEdge: %w", err)
		}
		if blockReason != "" {
			slog.Debug("executor: edge trade blocked", "opportunity", o.ID, "reason", blockReason)
			if err := e.storage.UpdateOpportunityAction(ctx, o.ID, "executor_blocked"); err != nil {
				slog.Warn("executor: backfill executor_blocked failed", "id", o.ID, "err", err)
			}
			continue
		}

		if err := e.storage.SaveTrade(ctx, t); err != nil {
			return nil, fmt.Errorf("executor.ExecuteEdge: save trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// buildEdgeTrade applies the spec §4.5 gate order — bankroll, volume,
// dedup, sizing — and returns the sized trade or the gate that blocked it.
func (e *Executor) buildEdgeTrade(ctx context.Context, o domain.Opportunity, now time.Time) (domain.Trade, string, error) {
	// Bankroll gate: reconstruct available capital from the DB, never from
	// a variable carried across cycles (spec §9, invariant 8).
	bankroll := e.bankrollFor(o.Side)
	openCost, err := e.storage.OpenCostSum(ctx, o.Side)
	if err != nil {
		return domain.Trade{}, "", err
	}
	available := bankroll - openCost

	dollars := o.KellyFraction * bankroll
	if cap := bankroll * e.cfg.Sizing.MaxBankrollPct; dollars > cap {
		dollars = cap
	}
	if dollars > available {
		dollars = available
	}
	if o.Side == domain.SideNo {
		noCostToday, err := e.noCostForDate(ctx, o.TargetDate)
		if err != nil {
			return domain.Trade{}, "", err
		}
		if remaining := e.cfg.Sizing.NoMaxPerDate - noCostToday; dollars > remaining {
			dollars = remaining
		}
	}
	if dollars < e.cfg.Sizing.MinBet {
		return domain.Trade{}, "bankroll_exhausted", nil
	}

	// Volume gate: hard-reject, then clamp (spec §4.5).
	if o.Volume > 0 {
		notional := o.Volume * o.Ask
		if dollars/notional > e.cfg.Sizing.HardRejectVolumePct {
			return domain.Trade{}, "volume_hard_reject", nil
		}
		if cap := e.cfg.Sizing.MaxVolumePct * notional; dollars > cap {
			dollars = cap
		}
	}

	// Dedup gate: refuse a second position on a key any open OR resolved
	// trade holds — resolved included, or a cross-midnight enter→resolve→
	// re-enter loop opens up when timezone handling differs (spec §4.5).
	t := e.newTradeFromOpportunity(o, domain.ReasonEdge, now)
	if o.Side == domain.SideNo {
		blocked, err := e.adjacentNOBlocked(ctx, o.City, o.TargetDate, o.Range)
		if err != nil {
			return domain.Trade{}, "", err
		}
		if blocked {
			return domain.Trade{}, "adjacent_no", nil
		}
	}
	existing, err := e.storage.FindTradeByDedupKey(ctx, t.DedupKey(), []domain.TradeStatus{domain.TradeOpen, domain.TradeResolved})
	if err != nil {
		return domain.Trade{}, "", err
	}
	if existing != nil {
		return domain.Trade{}, "dedup", nil
	}

	// Sizing: shares come from the fee-inclusive effective cost, but the
	// recorded cost is contract cost only so downstream P&L tracks fees
	// separately (spec §4.2, invariant 1).
	perShareFee := o.Platform.EntryFee(o.Ask)
	shares := math.Floor(dollars / (o.Ask + perShareFee))
	if shares < 1 {
		return domain.Trade{}, "bankroll_exhausted", nil
	}
	t.Shares = shares
	t.Cost = shares * o.Ask
	t.Fees = shares * perShareFee
	if t.Cost < e.cfg.Sizing.MinBet {
		return domain.Trade{}, "bankroll_exhausted", nil
	}
	return t, "", nil
}

func (e *Executor) newTradeFromOpportunity(o domain.Opportunity, reason domain.EntryReason, now time.Time) domain.Trade {
	return domain.Trade{
		ID:                 uuid.NewString(),
		City:               o.City,
		TargetDate:         o.TargetDate,
		Platform:           o.Platform,
		MarketID:           o.MarketID,
		Range:              o.Range,
		Side:               o.Side,
		RangeType:          o.RangeType,
		Unit:               o.Unit,
		EntryAsk:           o.Ask,
		EntryBid:           o.Bid,
		EntrySpread:        o.Spread,
		EntryVolume:        o.Volume,
		ForecastTempF:      o.ForecastTempF,
		ForecastConfidence: o.ForecastConfidence,
		StdDev:             o.StdDev,
		EntryEdge:          o.Edge,
		KellyFraction:      o.KellyFraction,
		Reason:             reason,
		EnteredAt:          now,
		Status:             domain.TradeOpen,
	}
}

func (e *Executor) bankrollFor(side domain.Side) float64 {
	if side == domain.SideNo {
		return e.cfg.Sizing.NoBankroll
	}
	return e.cfg.Sizing.YesBankroll
}

func (e *Executor) noCostForDate(ctx context.Context, targetDate string) (float64, error) {
	open, err := e.storage.OpenTrades(ctx)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, t := range open {
		if t.Side == domain.SideNo && t.TargetDate == targetDate {
			sum += t.Cost
		}
	}
	return sum, nil
}

// adjacentNOBlocked is the executor's layer of the three-layer adjacent-NO
// defense (spec §5): refuse a NO range whose ceiling sits at or below the
// floor of a YES range already held on the same city/date — if that YES
// wins, this NO loses with it.
func (e *Executor) adjacentNOBlocked(ctx context.Context, city, targetDate string, noRange domain.Range) (bool, error) {
	if noRange.Max == nil {
		return false, nil
	}
	open, err := e.storage.OpenTradesForCity(ctx, city)
	if err != nil {
		return false, err
	}
	for _, held := range open {
		if held.Side != domain.SideYes || held.TargetDate != targetDate {
			continue
		}
		if held.Range.Min != nil && *noRange.Max <= *held.Range.Min {
			return true, nil
		}
	}
	return false, nil
}

// ExecuteGuaranteedWin sizes and submits fast-path candidates, using the
// in-memory submitted set to close the race between consecutive poll ticks
// before the DB dedup check would otherwise catch it (spec §4.8, §5). Every
// submitted candidate also gets an opportunity row so the calibration
// tables see fast-path entries too.
func (e *Executor) ExecuteGuaranteedWin(ctx context.Context, candidates []scanner.GWCandidate, now time.Time) ([]domain.Trade, error) {
	var trades []domain.Trade
	for _, c := range candidates {
		o := c.Opportunity
		t := e.newTradeFromOpportunity(o, c.Reason, now)
		t.ForecastConfidence = 1
		t.ObservationHigh = c.ObservationHigh
		t.WUHigh = c.WUHigh

		e.mu.Lock()
		if _, seen := e.submitted[t.DedupKey()]; seen {
			e.mu.Unlock()
			continue
		}
		e.submitted[t.DedupKey()] = now
		e.mu.Unlock()

		if o.Side == domain.SideNo {
			blocked, err := e.adjacentNOBlocked(ctx, o.City, o.TargetDate, o.Range)
			if err != nil {
				return nil, fmt.Errorf("executor.ExecuteGuaranteedWin: %w", err)
			}
			if blocked {
				continue
			}
		}

		existing, err := e.storage.FindTradeByDedupKey(ctx, t.DedupKey(), []domain.TradeStatus{domain.TradeOpen, domain.TradeResolved})
		if err != nil {
			return nil, fmt.Errorf("executor.ExecuteGuaranteedWin: %w", err)
		}
		if existing != nil {
			continue
		}

		dollars, skip, err := e.sizeGuaranteedWin(ctx, o, c.Reason, now)
		if err != nil {
			return nil, fmt.Errorf("executor.ExecuteGuaranteedWin: %w", err)
		}
		if skip || dollars < e.cfg.Sizing.MinBet {
			continue
		}
		perShareFee := o.Platform.EntryFee(o.Ask)
		shares := math.Floor(dollars / (o.Ask + perShareFee))
		if shares < 1 {
			continue
		}
		t.Shares = shares
		t.Cost = shares * o.Ask
		t.Fees = shares * perShareFee

		if err := e.storage.SaveOpportunity(ctx, o); err != nil {
			slog.Warn("executor: save gw opportunity failed", "id", o.ID, "err", err)
		}
		if err := e.storage.SaveTrade(ctx, t); err != nil {
			return nil, fmt.Errorf("executor.ExecuteGuaranteedWin: save trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// sizeGuaranteedWin applies the observation-path sizing rules (spec §4.5):
// METAR-confirmed entries stake a flat fraction of the small isolated GW
// bankroll; PWS-led entries stake bankroll × base_pct × city_factor ×
// time_factor, where both factors shrink the bet for cities the corrected
// ensemble tracks poorly and for late-afternoon signals. Flat sizing here
// over-exposes borderline cities and late-hour entries.
func (e *Executor) sizeGuaranteedWin(ctx context.Context, o domain.Opportunity, reason domain.EntryReason, now time.Time) (dollars float64, skip bool, err error) {
	if reason != domain.ReasonGuaranteedWinPWS {
		return e.cfg.Sizing.GWBankroll * e.cfg.Sizing.MetarGWFlatPct, false, nil
	}

	gw := e.cfg.Observation.PWSGW

	cityFactor := 1.0
	dist, err := e.storage.CityErrorDistribution(ctx, o.City)
	if err != nil {
		return 0, false, err
	}
	if dist != nil && dist.N > 0 {
		if dist.MAEF > gw.MaxAvgCorrectedError {
			// PWS signals aren't trusted at all where the corrected
			// ensemble's error runs too hot (spec §6 pws_gw gate).
			return 0, true, nil
		}
		cityFactor = clamp((gw.MaxAvgCorrectedError-dist.MAEF)/gw.MaxAvgCorrectedError, gw.MinConfidenceFactor, 1)
	}

	var shapeFactor float64
	switch e.cfg.Sizing.ObservationSizingModel {
	case "ask_factor":
		// Alternative model (spec §9 open question 2): scale by how much
		// certainty the market has left to price in.
		span := e.cfg.Observation.MaxAsk - e.cfg.Observation.MinAsk
		if span <= 0 {
			shapeFactor = 1
		} else {
			shapeFactor = clamp((e.cfg.Observation.MaxAsk-o.Ask)/span, gw.MinConfidenceFactor, 1)
		}
	default: // "time_factor"
		shapeFactor = e.timeFactor(o.City, now, gw)
	}

	bankroll := e.bankrollFor(o.Side)
	return bankroll * e.cfg.Observation.MaxBankrollPctGW * cityFactor * shapeFactor, false, nil
}

// timeFactor is 1 until the configured city-local hour (noon by default),
// then decays linearly to the confidence floor by mid-afternoon: a boundary
// crossing detected at 16:00 has far less repricing headroom left than one
// at 12:30.
func (e *Executor) timeFactor(city string, now time.Time, gw config.PWSGuaranteedWinConfig) float64 {
	loc, ok := e.cityTZ[city]
	if !ok {
		loc = time.UTC
	}
	local := now.In(loc)
	hour := float64(local.Hour()) + float64(local.Minute())/60

	switch {
	case hour <= gw.TimeFullHours:
		return 1
	case hour >= gw.TimeReducedHours:
		return gw.MinConfidenceFactor
	default:
		frac := (hour - gw.TimeFullHours) / (gw.TimeReducedHours - gw.TimeFullHours)
		return 1 - frac*(1-gw.MinConfidenceFactor)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
