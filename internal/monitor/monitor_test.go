package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/adapters/storage"
	"github.com/mrosas-dev/wxtrader/internal/calibration"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/monitor"
)

func floatPtr(f float64) *float64 { return &f }

func testConfig() config.Config {
	return config.Config{
		Calibration: config.CalibrationConfig{
			CalBlocksMinN:   30,
			CalConfirmsMinN: 50,
			CalMinTradeEdge: 0.03,
		},
		Monitor: config.MonitorConfig{
			GuaranteedBoundaryF:        0.5,
			EdgeGoneMinEdge:            0.02,
			TakeProfitLongshotMaxEntry: 0.30,
			TakeProfitMidMaxEntry:      0.60,
			TakeProfitLongshotBid:      0.80,
			TakeProfitMidBid:           0.90,
			TakeProfitFavoriteBid:      0.97,
		},
		Cities: config.DefaultCities(),
	}
}

func staticQuote(bid, ask float64) monitor.QuoteSource {
	return func(ctx context.Context, p domain.Platform, marketID string, side domain.Side) (monitor.Quote, error) {
		return monitor.Quote{Bid: bid, Ask: ask}, nil
	}
}

func openTrade(id string, side domain.Side, r domain.Range, entryAsk float64) domain.Trade {
	return domain.Trade{
		ID:         id,
		City:       "New York",
		TargetDate: "2026-02-14",
		Platform:   domain.PlatformPolymarket,
		MarketID:   "mkt-" + id,
		Range:      r,
		Side:       side,
		RangeType:  r.Type,
		Unit:       domain.UnitFahrenheit,
		EntryAsk:   entryAsk,
		EntryBid:   entryAsk - 0.05,
		// Forecast snapshot keeps the model probability comfortably above
		// the ask so edge_gone stays quiet unless a test wants it.
		ForecastTempF: 34.5,
		StdDev:        2.0,
		EntryEdge:     0.05,
		Reason:        domain.ReasonEdge,
		EnteredAt:     time.Date(2026, 2, 13, 18, 0, 0, 0, time.UTC),
		Shares:        100,
		Cost:          entryAsk * 100,
		Status:        domain.TradeOpen,
	}
}

func saveObservation(t *testing.T, s *storage.SQLiteStorage, running, wu, metar float64) {
	t.Helper()
	require.NoError(t, s.SaveObservation(context.Background(), domain.Observation{
		ID: "obs-1", City: "New York", TargetDate: "2026-02-14",
		ObservedAt: time.Date(2026, 2, 14, 19, 0, 0, 0, time.UTC),
		StationID:  "KNYC", TempF: running,
		RunningHigh: running, WUHigh: wu, MetarHigh: metar, ObservationCount: 5,
	}))
}

func newMonitorWithStorage(t *testing.T, quotes monitor.QuoteSource) (*monitor.Monitor, *storage.SQLiteStorage) {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return monitor.New(s, quotes, testConfig()), s
}

// YES on "above X" is won intraday once the authoritative high clears the
// floor; the exit must populate every invariant-3 field plus the outcome.
func TestGuaranteedWinAboveRange(t *testing.T) {
	m, s := newMonitorWithStorage(t, staticQuote(0.92, 0.95))
	ctx := context.Background()

	tr := openTrade("gw1", domain.SideYes, domain.Range{Min: floatPtr(49.5), Type: domain.RangeUnbounded}, 0.60)
	require.NoError(t, s.SaveTrade(ctx, tr))
	saveObservation(t, s, 51.0, 50.5, 50.2)

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, exited)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeExited})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.ExitGuaranteedWin, got.ExitReason)
	require.NotNil(t, got.ExitTime)
	require.NotZero(t, got.ExitPrice)
	require.NotNil(t, got.Won)
	require.True(t, *got.Won)
	require.Equal(t, 51.0, got.ObservationHigh)
	require.Equal(t, 50.5, got.WUHigh)
}

// Loss detection must key off wu_high alone: a PWS spike pushing the
// max-of-sources running high past the ceiling is exactly the overshoot
// false exit the spec calls out.
func TestGuaranteedLossIgnoresRunningHighOvershoot(t *testing.T) {
	m, s := newMonitorWithStorage(t, staticQuote(0.25, 0.30))
	ctx := context.Background()

	tr := openTrade("gl1", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.60)
	require.NoError(t, s.SaveTrade(ctx, tr))
	// PWS spiked the running high over the ceiling; wu_high has not moved.
	saveObservation(t, s, 36.5, 34.0, 34.2)

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 19, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, exited, "running-high overshoot must not trigger guaranteed_loss")
}

func TestGuaranteedLossOnWUHighExceeded(t *testing.T) {
	m, s := newMonitorWithStorage(t, staticQuote(0.10, 0.15))
	ctx := context.Background()

	tr := openTrade("gl2", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.60)
	require.NoError(t, s.SaveTrade(ctx, tr))
	saveObservation(t, s, 37.0, 36.5, 36.0)

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 19, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, exited)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeExited})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.ExitGuaranteedLoss, got.ExitReason)
	require.NotNil(t, got.Won)
	require.False(t, *got.Won)
	require.Equal(t, 36.5, got.ActualTempF, "exceeded check concludes with wu_high as the day's floor on actual")
}

// NO side: the ceiling breaking is a win, detected from the same wu-only
// exceeded check.
func TestGuaranteedWinNOCeilingExceeded(t *testing.T) {
	m, s := newMonitorWithStorage(t, staticQuote(0.05, 0.10))
	ctx := context.Background()

	tr := openTrade("gwno", domain.SideNo, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.25)
	require.NoError(t, s.SaveTrade(ctx, tr))
	saveObservation(t, s, 37.0, 36.5, 36.2)

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 19, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, exited)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeExited})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.ExitGuaranteedWin, got.ExitReason)
	require.NotNil(t, got.Won)
	require.True(t, *got.Won)
}

// Unbounded lower NO ("X or below") must be covered by the already-decided
// check (spec §8 boundary 14): once wu_high clears the ceiling, NO has won.
func TestUnboundedLowerNOAlreadyDecided(t *testing.T) {
	m, s := newMonitorWithStorage(t, staticQuote(0.05, 0.10))
	ctx := context.Background()

	tr := openTrade("ulno", domain.SideNo, domain.Range{Max: floatPtr(35.5), Type: domain.RangeUnbounded}, 0.25)
	require.NoError(t, s.SaveTrade(ctx, tr))
	saveObservation(t, s, 37.0, 36.5, 36.2)

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 19, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, exited)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeExited})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.ExitGuaranteedWin, got.ExitReason)
}

// Take-profit near entry loses money to fees: the profitability guard
// bid×(1−fee) > entry_ask must hold before the tier threshold matters.
func TestTakeProfitFeeGuard(t *testing.T) {
	ctx := context.Background()

	// Entered at 0.969 on the fee-charging platform. The bid of 0.97
	// clears the favorite tier, but 0.97 − fee(0.97) ≈ 0.968 does not beat
	// the entry ask — exiting here loses money.
	m, s := newMonitorWithStorage(t, staticQuote(0.97, 0.975))
	tr := openTrade("tp1", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.969)
	tr.Platform = domain.PlatformKalshi
	tr.StdDev = 0.3 // model remains near-certain, keeping edge_gone quiet
	require.NoError(t, s.SaveTrade(ctx, tr))

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, exited, "bid minus exit fee does not beat the entry ask")
}

func TestTakeProfitLongshotTier(t *testing.T) {
	ctx := context.Background()

	m, s := newMonitorWithStorage(t, staticQuote(0.82, 0.85))
	tr := openTrade("tp2", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.20)
	require.NoError(t, s.SaveTrade(ctx, tr))

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, exited)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeExited})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.ExitTakeProfit, got.ExitReason)
	require.Equal(t, 0.82, got.ExitPrice)
	require.InDelta(t, 100*0.82-20.0, got.PnL, 1e-9)
}

// Invariant 16: a trade whose market-calibration bucket confirms its edge
// is NOT exited by edge_gone, mirroring the scanner's entry bypass.
func TestEdgeGoneSuppressedByCalibrationConfirmation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	// Quote makes the recomputed edge deeply negative.
	m, s := newMonitorWithStorage(t, staticQuote(0.55, 0.60))

	tr := openTrade("eg1", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.40)
	tr.ForecastTempF = 20.0 // model no longer believes in the range
	tr.EntryEdge = 0.05
	require.NoError(t, s.SaveTrade(ctx, tr))

	// Seed the trade's own bucket: lead time from 2026-02-14 midnight EST
	// end-of-day vs `now`, price bucket from the 0.40 entry ask.
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	dayEnd, err := time.ParseInLocation("2006-01-02", tr.TargetDate, loc)
	require.NoError(t, err)
	hours := dayEnd.Add(24 * time.Hour).Sub(now).Hours()
	require.NoError(t, s.ReplaceMarketCalibration(ctx, []domain.MarketCalibrationBucket{{
		Platform:         domain.PlatformPolymarket,
		RangeType:        domain.RangeBounded,
		LeadTimeBucket:   calibration.LeadTimeBucket(hours),
		PriceBucket:      calibration.PriceBucket(tr.EntryAsk),
		N:                80,
		EmpiricalWinRate: 0.55,
		MarketAvgAsk:     0.40,
		TrueEdge:         0.15,
	}}))

	exited, err := m.RunOnce(ctx, now)
	require.NoError(t, err)
	require.Zero(t, exited, "confirmed bucket must suppress edge_gone")

	open, err := s.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotEmpty(t, open[0].EvaluatorLog, "suppressed signal still logs a snapshot")
}

func TestEdgeGoneExitsWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	m, s := newMonitorWithStorage(t, staticQuote(0.55, 0.60))
	tr := openTrade("eg2", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.40)
	tr.ForecastTempF = 20.0
	require.NoError(t, s.SaveTrade(ctx, tr))

	exited, err := m.RunOnce(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, exited)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeExited})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.ExitEdgeGone, got.ExitReason)
	require.NotNil(t, got.ExitTime)
	require.NotZero(t, got.ExitPrice)
}

// Invariant 4: entry-time observation audit values survive later cycles —
// a higher high later in the day must not overwrite them.
func TestObservationAuditPreserved(t *testing.T) {
	ctx := context.Background()

	m, s := newMonitorWithStorage(t, staticQuote(0.25, 0.30))
	tr := openTrade("oa1", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.40)
	tr.ObservationHigh = 33.0
	tr.WUHigh = 32.5
	require.NoError(t, s.SaveTrade(ctx, tr))
	saveObservation(t, s, 35.0, 34.5, 34.2)

	_, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	open, err := s.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, 33.0, open[0].ObservationHigh)
	require.Equal(t, 32.5, open[0].WUHigh)
}

// Signals outside the configured active set are evaluated and logged but
// never close trades (spec §9 signal bus).
func TestInactiveSignalIsLogOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Monitor.ActiveSignals = []string{"guaranteed_win", "guaranteed_loss"}

	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer s.Close()
	m := monitor.New(s, staticQuote(0.82, 0.85), cfg)

	tr := openTrade("ls1", domain.SideYes, domain.Range{Min: floatPtr(33.5), Max: floatPtr(35.5), Type: domain.RangeBounded}, 0.20)
	require.NoError(t, s.SaveTrade(ctx, tr))

	exited, err := m.RunOnce(ctx, time.Date(2026, 2, 14, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, exited, "take_profit fired but is not in the active set")
}
