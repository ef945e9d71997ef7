// Package monitor evaluates every open Trade each cycle against four exit
// signals, in priority order, and closes the ones that fire actively (spec
// §4.6). Each cycle appends one snapshot, carrying the deciding signal, to
// the trade's evaluator log whether or not it leads to an exit.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/calibration"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/forecast"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// Quote is a market's current top-of-book snapshot, fetched fresh each
// monitor cycle (spec §4.6 "re-price every open position").
type Quote struct {
	Bid float64
	Ask float64
}

// QuoteSource fetches a current quote for one market. A thin seam over
// ports.PlatformAdapter.OrderBook so the monitor doesn't depend on the full
// adapter surface.
type QuoteSource func(ctx context.Context, platform domain.Platform, marketID string, side domain.Side) (Quote, error)

// RepriceSource rebuilds the current forecast distribution for a (city,
// target_date), re-using the same pipeline the scanner prices entries with.
// Nil means the monitor falls back to the trade's entry-time snapshot.
type RepriceSource func(ctx context.Context, city, targetDate string) (domain.ForecastDistribution, error)

// verdict is one signal evaluator's conclusion for one trade this cycle.
type verdict struct {
	signal string
	fires  bool
	// wins/tempKnown carry the outcome a decisive observation implies, so
	// the exit path can populate won/actual_temp (spec §4.6 step 5).
	wins      bool
	finalTemp float64
	tempKnown bool
	// suppressed marks an edge_gone that calibration confirmation held
	// open (spec §8 invariant 16): logged, never acted on.
	suppressed bool
}

// Monitor re-evaluates every open trade each cycle.
type Monitor struct {
	storage ports.Storage
	quotes  QuoteSource
	reprice RepriceSource
	cfg     config.Config
	cal     calibration.Config
	cityTZ  map[string]*time.Location
}

func New(storage ports.Storage, quotes QuoteSource, cfg config.Config) *Monitor {
	tz := make(map[string]*time.Location, len(cfg.Cities))
	for _, c := range cfg.Cities {
		tz[c.Name] = c.ToDomain().Location()
	}
	return &Monitor{
		storage: storage,
		quotes:  quotes,
		cfg:     cfg,
		cal: calibration.Config{
			BlocksMinN:   cfg.Calibration.CalBlocksMinN,
			ConfirmsMinN: cfg.Calibration.CalConfirmsMinN,
			MinTradeEdge: cfg.Calibration.CalMinTradeEdge,
		},
		cityTZ: tz,
	}
}

// WithReprice installs a fresh-forecast source for the edge_gone evaluator.
func (m *Monitor) WithReprice(fn RepriceSource) *Monitor {
	m.reprice = fn
	return m
}

// RunOnce re-evaluates every open trade and persists whatever changed:
// exited trades get their exit fields written, all trades get an appended
// evaluator snapshot (spec §4.6, capped at domain.MaxEvaluatorLog).
func (m *Monitor) RunOnce(ctx context.Context, now time.Time) (exited int, err error) {
	open, err := m.storage.OpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("monitor.RunOnce: open trades: %w", err)
	}

	for _, t := range open {
		if err := m.evaluate(ctx, &t, now); err != nil {
			slog.Warn("monitor: evaluate failed", "trade", t.ID, "err", err)
			continue
		}
		if err := m.storage.UpdateTrade(ctx, t); err != nil {
			slog.Warn("monitor: update trade failed", "trade", t.ID, "err", err)
			continue
		}
		if t.Status == domain.TradeExited {
			exited++
		}
	}
	return exited, nil
}

// evaluate runs the four signals in priority order against one trade,
// mutating it in place. The first firing signal, if ACTIVE, exits the
// trade; the cycle's snapshot with that signal (edge_gone's when none
// fires) lands in the evaluator log either way.
func (m *Monitor) evaluate(ctx context.Context, t *domain.Trade, now time.Time) error {
	obs, err := m.storage.LatestObservation(ctx, t.City, t.TargetDate)
	if err != nil {
		return err
	}
	var snapshot domain.Observation
	if obs != nil {
		snapshot = *obs
		t.SetObservationAudit(obs.RunningHigh, obs.WUHigh)
	}

	q, err := m.quotes(ctx, t.Platform, t.MarketID, t.Side)
	if err != nil {
		return err
	}
	if q.Ask > t.MaxPriceSeen {
		t.MaxPriceSeen = q.Ask
	}

	currentProb := m.currentProbability(ctx, t)
	if t.MinProbabilitySeen == 0 || currentProb < t.MinProbabilitySeen {
		t.MinProbabilitySeen = currentProb
	}

	v := m.signalFor(ctx, t, snapshot, q, currentProb, now)

	t.AppendEvaluatorSnapshot(domain.EvaluatorSnapshot{
		At:                   now,
		Bid:                  q.Bid,
		Ask:                  q.Ask,
		CorrectedProbability: currentProb,
		RunningHigh:          snapshot.RunningHigh,
		WUHigh:               snapshot.WUHigh,
		Signal:               v.signal,
	})

	active := v.fires && !v.suppressed && m.cfg.Monitor.SignalActive(v.signal)
	if !active {
		if v.fires {
			slog.Info("monitor: signal logged, not acted on",
				"trade", t.ID, "signal", v.signal, "suppressed", v.suppressed)
		}
		return nil
	}

	m.exit(t, v, q, now)
	return nil
}

// exit closes the trade, populating every field spec invariant 3 demands:
// exit_reason, exit_time, exit_price, pnl, and the outcome when the
// observation already concludes it.
func (m *Monitor) exit(t *domain.Trade, v verdict, q Quote, now time.Time) {
	t.Status = domain.TradeExited
	t.ExitReason = domain.ExitReason(v.signal)
	exitTime := now
	t.ExitTime = &exitTime
	t.ExitPrice = exitPriceFor(t.Side, q)

	// Early closes on the fee-charging platform pay the per-contract fee a
	// second time (spec §4.2).
	t.Fees += t.Shares * t.Platform.EntryFee(t.ExitPrice)
	t.PnL = t.Shares*t.ExitPrice - t.Cost - t.Fees

	switch v.signal {
	case string(domain.ExitGuaranteedWin), string(domain.ExitGuaranteedLoss):
		won := v.wins
		t.Won = &won
		if v.tempKnown {
			t.ActualTempF = v.finalTemp
		}
	}
}

// currentProbability reprices the trade from a fresh forecast when a
// reprice source is wired, falling back to the entry snapshot's
// distribution otherwise.
func (m *Monitor) currentProbability(ctx context.Context, t *domain.Trade) float64 {
	if m.reprice != nil {
		dist, err := m.reprice(ctx, t.City, t.TargetDate)
		if err == nil {
			mean := dist.EnsembleTempF
			if t.Platform == domain.PlatformKalshi && dist.KalshiTempF != 0 {
				mean = dist.KalshiTempF
			}
			return forecast.Probability(t.Range, mean, dist.StdDev)
		}
		slog.Debug("monitor: reprice failed, using entry snapshot", "trade", t.ID, "err", err)
	}
	return forecast.Probability(t.Range, t.ForecastTempF, t.StdDev)
}

// signalFor evaluates the four exit signals in priority order and returns
// the first one that fires, or the lowest-priority non-firing verdict for
// the log.
func (m *Monitor) signalFor(ctx context.Context, t *domain.Trade, obs domain.Observation, q Quote, currentProb float64, now time.Time) verdict {
	if v := m.guaranteedWin(t, obs); v.fires {
		return v
	}
	if v := m.guaranteedLoss(t, obs, now); v.fires {
		return v
	}
	if v := m.takeProfit(t, q); v.fires {
		return v
	}
	return m.edgeGone(ctx, t, q, currentProb, now)
}

// guaranteedWin fires when the platform's authoritative running high has
// already locked the trade's side in. Source selection is platform-aware
// (spec §4.6): never the max-of-everything RunningHigh, whose PWS overshoot
// would turn a one-minute spike into a phantom certainty.
func (m *Monitor) guaranteedWin(t *domain.Trade, obs domain.Observation) verdict {
	high := obs.AuthoritativeHigh(t.Platform)
	if high == 0 {
		return verdict{signal: string(domain.ExitGuaranteedWin)}
	}
	buf := m.cfg.Monitor.GuaranteedBoundaryF
	r := t.Range

	switch t.Side {
	case domain.SideYes:
		// Only an "above X" range can be won intraday: the high is
		// monotonic, so once it clears the floor it can never fall back
		// out. A bounded range isn't decided until the day ends — the high
		// can still climb past its ceiling.
		if r.Max == nil && r.Min != nil && high >= *r.Min+buf {
			return verdict{signal: string(domain.ExitGuaranteedWin), fires: true, wins: true}
		}
	case domain.SideNo:
		// NO wins the moment the high has exceeded the range's ceiling.
		// Exceeded checks use the commercial source's high alone: the
		// max-of-sources high overshoots (spec §4.6 guaranteed_loss
		// pitfall, same hazard from the other side).
		if r.Max != nil && obs.WUHigh > *r.Max+buf {
			return verdict{signal: string(domain.ExitGuaranteedWin), fires: true, wins: true}
		}
	}
	return verdict{signal: string(domain.ExitGuaranteedWin)}
}

// guaranteedLoss fires when the authoritative source has definitively
// excluded the trade's side: either the range ceiling has been exceeded
// (wu_high only) or the city-local day is over and the high never reached
// the floor.
func (m *Monitor) guaranteedLoss(t *domain.Trade, obs domain.Observation, now time.Time) verdict {
	buf := m.cfg.Monitor.GuaranteedBoundaryF
	r := t.Range

	switch t.Side {
	case domain.SideYes:
		if r.Max != nil && obs.WUHigh > *r.Max+buf {
			return verdict{signal: string(domain.ExitGuaranteedLoss), fires: true, wins: false, finalTemp: obs.WUHigh, tempKnown: true}
		}
		if r.Min != nil && m.dayOver(t, now) {
			high := obs.AuthoritativeHigh(t.Platform)
			if high > 0 && high < *r.Min-buf {
				return verdict{signal: string(domain.ExitGuaranteedLoss), fires: true, wins: false, finalTemp: high, tempKnown: true}
			}
		}
	case domain.SideNo:
		// NO on "above X" loses once the high clears the floor.
		high := obs.AuthoritativeHigh(t.Platform)
		if r.Max == nil && r.Min != nil && high > 0 && high >= *r.Min+buf {
			return verdict{signal: string(domain.ExitGuaranteedLoss), fires: true, wins: false}
		}
	}
	return verdict{signal: string(domain.ExitGuaranteedLoss)}
}

// dayOver reports whether the trade's target date has fully elapsed in
// city-local time — never UTC (spec §4.7, §8 S4).
func (m *Monitor) dayOver(t *domain.Trade, now time.Time) bool {
	loc, ok := m.cityTZ[t.City]
	if !ok {
		return false
	}
	return now.In(loc).Format("2006-01-02") > t.TargetDate
}

// takeProfit fires when the current bid clears the tier threshold for the
// trade's entry price, subject to the profitability guard: a take-profit
// whose proceeds don't beat the entry cost after fees loses money (spec
// §4.6 step 4).
func (m *Monitor) takeProfit(t *domain.Trade, q Quote) verdict {
	bid := exitPriceFor(t.Side, q)

	mc := m.cfg.Monitor
	threshold := mc.TakeProfitFavoriteBid
	switch {
	case t.EntryAsk <= mc.TakeProfitLongshotMaxEntry:
		threshold = mc.TakeProfitLongshotBid
	case t.EntryAsk <= mc.TakeProfitMidMaxEntry:
		threshold = mc.TakeProfitMidBid
	}
	if bid < threshold {
		return verdict{signal: string(domain.ExitTakeProfit)}
	}
	if bid-t.Platform.EntryFee(bid) <= t.EntryAsk {
		return verdict{signal: string(domain.ExitTakeProfit)}
	}
	return verdict{signal: string(domain.ExitTakeProfit), fires: true}
}

// edgeGone fires when the re-priced model probability has fallen materially
// below the exit-side ask — unless the trade's own market-calibration
// bucket still confirms the edge, in which case the exit is suppressed
// exactly the way the scanner's entry bypass admitted it (spec §4.6, §9
// "Calibration suppression coupling").
func (m *Monitor) edgeGone(ctx context.Context, t *domain.Trade, q Quote, currentProb float64, now time.Time) verdict {
	ask := exitAsk(t.Side, q)
	edge := currentProb - ask
	if edge >= m.cfg.Monitor.EdgeGoneMinEdge {
		return verdict{signal: string(domain.ExitEdgeGone)}
	}

	bucket, err := m.storage.MarketCalibrationFor(ctx, t.Platform, t.RangeType,
		calibration.LeadTimeBucket(m.hoursToResolution(t, now)),
		calibration.PriceBucket(t.EntryAsk),
	)
	if err == nil && calibration.Confirms(bucket, t.EntryAsk, t.EntryEdge, m.cal) {
		return verdict{signal: string(domain.ExitEdgeGone), fires: true, suppressed: true}
	}
	return verdict{signal: string(domain.ExitEdgeGone), fires: true}
}

func (m *Monitor) hoursToResolution(t *domain.Trade, now time.Time) float64 {
	loc, ok := m.cityTZ[t.City]
	if !ok {
		loc = time.UTC
	}
	d, err := time.ParseInLocation("2006-01-02", t.TargetDate, loc)
	if err != nil {
		return 0
	}
	h := d.Add(24 * time.Hour).Sub(now).Hours()
	if h < 0 {
		return 0
	}
	return h
}

func exitAsk(side domain.Side, q Quote) float64 {
	if side == domain.SideYes {
		return q.Ask
	}
	return 1 - q.Bid
}

func exitPriceFor(side domain.Side, q Quote) float64 {
	if side == domain.SideYes {
		return q.Bid // selling YES hits the bid
	}
	return 1 - q.Ask // selling NO is the complement of the YES ask
}
