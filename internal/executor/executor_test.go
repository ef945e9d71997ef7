package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/adapters/storage"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/executor"
	"github.com/mrosas-dev/wxtrader/internal/scanner"
)

func floatPtr(f float64) *float64 { return &f }

func testConfig() config.Config {
	return config.Config{
		Sizing: config.SizingConfig{
			KellyFraction:          0.5,
			YesBankroll:            1000,
			NoBankroll:             500,
			NoMaxPerDate:           100,
			MaxBankrollPct:         0.10,
			MinBet:                 5,
			MaxVolumePct:           0.05,
			HardRejectVolumePct:    0.15,
			ObservationSizingModel: "time_factor",
			GWBankroll:             200,
			MetarGWFlatPct:         0.10,
		},
		Observation: config.ObservationConfig{
			MinMarginCents:      2,
			MaxAsk:              0.97,
			MinAsk:              0.55,
			MinAskDualConfirmed: 0.50,
			MaxBankrollPctGW:    0.15,
			MetarOnlyMinGapF:    0.5,
			MetarOnlyMinGapC:    1.5,
			PWSGW: config.PWSGuaranteedWinConfig{
				MaxAvgCorrectedError: 2.0,
				MinConfidenceFactor:  0.25,
				TimeFullHours:        12,
				TimeReducedHours:     16,
			},
		},
		Cities: config.DefaultCities(),
	}
}

func passedOpportunity(id string, side domain.Side, ask float64) domain.Opportunity {
	return domain.Opportunity{
		ID:                   id,
		ScannedAt:            time.Now().UTC(),
		CycleID:              "cycle-1",
		City:                 "New York",
		TargetDate:           "2026-02-14",
		Platform:             domain.PlatformPolymarket,
		MarketID:             "mkt-" + id,
		Range:                domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded},
		Side:                 side,
		RangeType:            domain.RangeBounded,
		Unit:                 domain.UnitFahrenheit,
		Ask:                  ask,
		Bid:                  ask - 0.05,
		Volume:               100000,
		RawProbability:       0.80,
		CorrectedProbability: 0.80,
		Edge:                 0.80 - ask,
		KellyFraction:        0.10,
		Passed:               true,
	}
}

func newExecutor(t *testing.T) (*executor.Executor, *storage.SQLiteStorage) {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return executor.New(s, testConfig()), s
}

// Sizing per spec: shares are floored off the fee-inclusive effective cost,
// and cost records contract cost only (invariant 1).
func TestExecuteEdgeCostEqualsSharesTimesAsk(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()

	o := passedOpportunity("o1", domain.SideYes, 0.75)
	require.NoError(t, s.SaveOpportunity(ctx, o))

	trades, err := e.ExecuteEdge(ctx, []domain.Opportunity{o}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	// Kelly dollars = 0.10 × 1000 = 100, capped at 10% of bankroll = 100.
	// Polymarket has no fee, so shares = floor(100 / 0.75) = 133.
	require.Equal(t, 133.0, tr.Shares)
	require.InDelta(t, tr.Shares*tr.EntryAsk, tr.Cost, 1e-9)
	require.Zero(t, tr.Fees)
}

func TestExecuteEdgeKalshiFeeReducesShares(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()

	o := passedOpportunity("o1", domain.SideYes, 0.50)
	o.Platform = domain.PlatformKalshi
	require.NoError(t, s.SaveOpportunity(ctx, o))

	trades, err := e.ExecuteEdge(ctx, []domain.Opportunity{o}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	// fee = 0.07 × 0.5 × 0.5 = 0.0175 per share, effective cost 0.5175;
	// floor(100 / 0.5175) = 193 shares, not the fee-blind 200.
	require.Equal(t, 193.0, tr.Shares)
	require.InDelta(t, 193*0.50, tr.Cost, 1e-9)
	require.InDelta(t, 193*0.0175, tr.Fees, 1e-9)
}

// Dedup (invariant 9): a second entry on the same (city, date, platform,
// range, side) is refused while a prior trade is open OR resolved.
func TestExecuteEdgeDedupAgainstOpenAndResolved(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := passedOpportunity("o1", domain.SideYes, 0.60)
	require.NoError(t, s.SaveOpportunity(ctx, o))
	trades, err := e.ExecuteEdge(ctx, []domain.Opportunity{o}, now)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	o2 := passedOpportunity("o2", domain.SideYes, 0.58)
	o2.MarketID = o.MarketID
	require.NoError(t, s.SaveOpportunity(ctx, o2))
	trades, err = e.ExecuteEdge(ctx, []domain.Opportunity{o2}, now)
	require.NoError(t, err)
	require.Empty(t, trades, "open trade on the same key must block re-entry")

	// Resolve the original; the key must STILL block (cross-midnight
	// enter→resolve→re-enter loop).
	tr := trades1Only(t, s)
	won := true
	resolvedAt := now
	tr.Status = domain.TradeResolved
	tr.Won = &won
	tr.ActualTempF = 34.0
	tr.ResolvedAt = &resolvedAt
	require.NoError(t, s.UpdateTrade(ctx, tr))

	o3 := passedOpportunity("o3", domain.SideYes, 0.58)
	o3.MarketID = o.MarketID
	require.NoError(t, s.SaveOpportunity(ctx, o3))
	trades, err = e.ExecuteEdge(ctx, []domain.Opportunity{o3}, now)
	require.NoError(t, err)
	require.Empty(t, trades, "resolved trade on the same key must block re-entry")
}

func trades1Only(t *testing.T, s *storage.SQLiteStorage) domain.Trade {
	t.Helper()
	open, err := s.OpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	return open[0]
}

// Bankroll gate (invariant 8): available capital is reconstructed from the
// DB each call, never carried across cycles.
func TestExecuteEdgeBankrollReconstructedFromOpenTrades(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Pre-existing open trades consume 996 of the 1000 YES bankroll.
	big := passedOpportunity("prior", domain.SideYes, 0.60)
	priorTrade := domain.Trade{
		ID: "prior-trade", City: "Chicago", TargetDate: "2026-02-14",
		Platform: domain.PlatformPolymarket, MarketID: "mkt-prior",
		Range: domain.Range{Min: floatPtr(40.5), Max: floatPtr(42.5), Type: domain.RangeBounded},
		Side:  domain.SideYes, RangeType: domain.RangeBounded, Unit: domain.UnitFahrenheit,
		EntryAsk: 0.60, Reason: domain.ReasonEdge, EnteredAt: now,
		Shares: 1660, Cost: 996, Status: domain.TradeOpen,
	}
	require.NoError(t, s.SaveTrade(ctx, priorTrade))

	require.NoError(t, s.SaveOpportunity(ctx, big))
	trades, err := e.ExecuteEdge(ctx, []domain.Opportunity{big}, now)
	require.NoError(t, err)
	require.Empty(t, trades, "remaining bankroll of 4 is below min bet")
}

func TestExecuteEdgeVolumeHardReject(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()

	o := passedOpportunity("o1", domain.SideYes, 0.50)
	o.Volume = 100 // notional 50; bet of 100 is 200% of it
	require.NoError(t, s.SaveOpportunity(ctx, o))

	trades, err := e.ExecuteEdge(ctx, []domain.Opportunity{o}, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, trades)
}

// Adjacent-NO (spec §5): a NO range ending at or below a held YES range's
// floor on the same city/date is refused at the executor layer too.
func TestExecuteEdgeAdjacentNOBlocked(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	heldYES := domain.Trade{
		ID: "yes-1", City: "New York", TargetDate: "2026-02-14",
		Platform: domain.PlatformPolymarket, MarketID: "mkt-yes",
		Range: domain.Range{Min: floatPtr(49.5), Max: floatPtr(51.5), Type: domain.RangeBounded},
		Side:  domain.SideYes, RangeType: domain.RangeBounded, Unit: domain.UnitFahrenheit,
		EntryAsk: 0.60, Reason: domain.ReasonEdge, EnteredAt: now,
		Shares: 10, Cost: 6, Status: domain.TradeOpen,
	}
	require.NoError(t, s.SaveTrade(ctx, heldYES))

	noOpp := passedOpportunity("no-1", domain.SideNo, 0.25)
	noOpp.Range = domain.Range{Min: floatPtr(44.5), Max: floatPtr(46.5), Type: domain.RangeBounded}
	noOpp.MarketID = "mkt-no"
	require.NoError(t, s.SaveOpportunity(ctx, noOpp))

	trades, err := e.ExecuteEdge(ctx, []domain.Opportunity{noOpp}, now)
	require.NoError(t, err)
	require.Empty(t, trades, "NO ceiling 46.5 <= held YES floor 49.5 is correlated risk")
}

func gwCandidate(reason domain.EntryReason, ask float64, platform domain.Platform) scanner.GWCandidate {
	o := passedOpportunity("gw", domain.SideYes, ask)
	o.Platform = platform
	o.MarketID = "mkt-gw-" + string(platform)
	o.RawProbability = 1
	o.CorrectedProbability = 1
	return scanner.GWCandidate{Opportunity: o, Reason: reason, ObservationHigh: 51.2, WUHigh: 51.0}
}

func TestExecuteGuaranteedWinMetarFlatSizing(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	trades, err := e.ExecuteGuaranteedWin(ctx, []scanner.GWCandidate{gwCandidate(domain.ReasonGuaranteedWin, 0.66, domain.PlatformPolymarket)}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	// Flat 10% of the isolated 200 GW bankroll = 20 dollars at 0.66.
	price := 0.66
	require.Equal(t, float64(int(20/price)), tr.Shares)
	require.Equal(t, domain.ReasonGuaranteedWin, tr.Reason)
	require.Equal(t, 51.2, tr.ObservationHigh)
	require.Equal(t, 51.0, tr.WUHigh)
}

// The in-memory submitted set closes the race between consecutive fast-poll
// ticks: the same candidate twice yields one trade.
func TestExecuteGuaranteedWinInMemoryDedup(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := gwCandidate(domain.ReasonGuaranteedWin, 0.66, domain.PlatformPolymarket)
	first, err := e.ExecuteGuaranteedWin(ctx, []scanner.GWCandidate{c}, now)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.ExecuteGuaranteedWin(ctx, []scanner.GWCandidate{c}, now.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, second)
}

// PWS-path sizing: cities whose corrected ensemble runs too hot are skipped
// outright; eligible cities scale by city confidence and local-time decay.
func TestExecuteGuaranteedWinPWSCityErrorGate(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceCityErrorDistributions(ctx, []domain.CityErrorDistribution{
		{City: "New York", N: 40, MeanErrorF: 0.5, MAEF: 3.0, StdDevF: 2.0},
	}))

	trades, err := e.ExecuteGuaranteedWin(ctx, []scanner.GWCandidate{gwCandidate(domain.ReasonGuaranteedWinPWS, 0.66, domain.PlatformPolymarket)}, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, trades, "MAE 3.0 exceeds the 2.0 ceiling: PWS signal untrusted")
}

func TestExecuteGuaranteedWinPWSConfidenceSizing(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceCityErrorDistributions(ctx, []domain.CityErrorDistribution{
		{City: "New York", N: 40, MeanErrorF: 0.2, MAEF: 1.0, StdDevF: 1.5},
	}))

	// 10:00 New York local: time factor 1; city factor (2−1)/2 = 0.5.
	now := time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC)

	trades, err := e.ExecuteGuaranteedWin(ctx, []scanner.GWCandidate{gwCandidate(domain.ReasonGuaranteedWinPWS, 0.66, domain.PlatformPolymarket)}, now)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// dollars = 1000 × 0.15 × 0.5 × 1 = 75 → floor(75/0.66) = 113 shares.
	require.Equal(t, 113.0, trades[0].Shares)
}

func TestExecuteGuaranteedWinPWSLateAfternoonDecay(t *testing.T) {
	e, s := newExecutor(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceCityErrorDistributions(ctx, []domain.CityErrorDistribution{
		{City: "New York", N: 40, MeanErrorF: 0.2, MAEF: 1.0, StdDevF: 1.5},
	}))

	// 17:00 New York local: past TimeReducedHours, factor pinned at 0.25.
	now := time.Date(2026, 2, 14, 22, 0, 0, 0, time.UTC)

	trades, err := e.ExecuteGuaranteedWin(ctx, []scanner.GWCandidate{gwCandidate(domain.ReasonGuaranteedWinPWS, 0.66, domain.PlatformPolymarket)}, now)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// dollars = 1000 × 0.15 × 0.5 × 0.25 = 18.75 → floor(18.75/0.66) = 28.
	require.Equal(t, 28.0, trades[0].Shares)
}
