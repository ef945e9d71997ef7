package resolver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/adapters/storage"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
	"github.com/mrosas-dev/wxtrader/internal/resolver"
)

func floatPtr(f float64) *float64 { return &f }

// fakeSource resolves every request with a fixed temperature, or refuses
// with ErrNotYetAvailable when unavailable.
type fakeSource struct {
	platform    domain.Platform
	tempF       float64
	unavailable bool
	calls       int
}

func (f *fakeSource) Platform() domain.Platform { return f.platform }

func (f *fakeSource) Resolve(ctx context.Context, station, countryCode, targetDate string, loc *time.Location, now time.Time) (float64, error) {
	f.calls++
	if f.unavailable {
		return 0, resolver.ErrNotYetAvailable
	}
	return f.tempF, nil
}

func testCities() []config.CityConfig {
	return []config.CityConfig{
		{
			Name: "New York", TimezoneID: "America/New_York", Unit: "F",
			PolymarketStation: "KNYC", NWSStation: "KNYC",
		},
		{
			Name: "Toronto", TimezoneID: "America/Toronto", Unit: "C",
			PolymarketStation: "CYYZ", NWSStation: "CYYZ", CountryCode: "CA",
		},
	}
}

func calCfg() config.CalibrationConfig {
	return config.CalibrationConfig{
		CalBlocksMinN: 30, CalConfirmsMinN: 50, CalMinTradeEdge: 0.03, MaxCorrectionRatio: 2.0,
	}
}

func openTrade(id, city, date string, platform domain.Platform, side domain.Side, r domain.Range) domain.Trade {
	return domain.Trade{
		ID: id, City: city, TargetDate: date, Platform: platform,
		MarketID: "mkt-" + id, Range: r, Side: side, RangeType: r.Type,
		Unit: domain.UnitFahrenheit, EntryAsk: 0.60, Reason: domain.ReasonEdge,
		EnteredAt: time.Date(2026, 2, 13, 18, 0, 0, 0, time.UTC),
		Shares:    100, Cost: 60, Status: domain.TradeOpen,
	}
}

func newResolver(t *testing.T, sources map[domain.Platform]ports.ResolutionSource) (*resolver.Resolver, *storage.SQLiteStorage) {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return resolver.New(s, sources, testCities(), calCfg()), s
}

func boundedRange(lo, hi float64) domain.Range {
	return domain.Range{Min: floatPtr(lo), Max: floatPtr(hi), Type: domain.RangeBounded}
}

// S4: at 04:59Z on Feb 15, New York is still Feb 14 local — the trade must
// stay open. One minute later (00:00 local) it resolves. Toronto at 00:06Z
// is 19:06 local the previous evening and must also stay open.
func TestResolverCityLocalMidnightGating(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformPolymarket, tempF: 34.8}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{domain.PlatformPolymarket: src})
	ctx := context.Background()

	require.NoError(t, s.SaveTrade(ctx, openTrade("ny", "New York", "2026-02-14", domain.PlatformPolymarket, domain.SideYes, boundedRange(33.5, 35.5))))

	resolved, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 4, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, resolved, "23:59 city-local: the day is not over yet")

	resolved, err = r.RunOnce(ctx, time.Date(2026, 2, 15, 5, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
}

func TestResolverTorontoStillOpenAfterUTCMidnight(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformKalshi, tempF: 5.0}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{domain.PlatformKalshi: src})
	ctx := context.Background()

	require.NoError(t, s.SaveTrade(ctx, openTrade("to", "Toronto", "2026-02-14", domain.PlatformKalshi, domain.SideYes, boundedRange(3.5, 5.5))))

	resolved, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 0, 6, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, resolved, "19:06 Toronto-local on the 14th: still open")
}

// Invariant 2: resolution populates won, actual_temp, resolved_at — and the
// canonical market_resolutions row is written.
func TestResolverPopulatesOutcome(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformPolymarket, tempF: 34.8}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{domain.PlatformPolymarket: src})
	ctx := context.Background()

	tr := openTrade("ny", "New York", "2026-02-14", domain.PlatformPolymarket, domain.SideYes, boundedRange(33.5, 35.5))
	require.NoError(t, s.SaveTrade(ctx, tr))

	_, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeResolved})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Won)
	require.True(t, *got.Won)
	require.Equal(t, 34.8, got.ActualTempF)
	require.NotNil(t, got.ResolvedAt)
	require.Equal(t, "KNYC", got.ResolutionStation)
	// PM weather markets carry no fee; a winning 100-share position nets
	// shares − cost.
	require.InDelta(t, 100-60.0, got.PnL, 1e-9)

	res, err := s.MarketResolution(ctx, tr.MarketID)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 34.8, res.ActualTempF)
}

// Invariant 4: resolution must not overwrite entry-time observation audit.
func TestResolverPreservesObservationAudit(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformPolymarket, tempF: 36.9}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{domain.PlatformPolymarket: src})
	ctx := context.Background()

	tr := openTrade("ny", "New York", "2026-02-14", domain.PlatformPolymarket, domain.SideYes, boundedRange(33.5, 35.5))
	tr.ObservationHigh = 34.1
	tr.WUHigh = 33.9
	require.NoError(t, s.SaveTrade(ctx, tr))

	_, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeResolved})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 34.1, got.ObservationHigh)
	require.Equal(t, 33.9, got.WUHigh)
	require.NotNil(t, got.Won)
	require.False(t, *got.Won)
}

// S6: when the authoritative source is unavailable, the trade stays open
// for the next cycle — the resolver never substitutes the other platform's
// source, even though one is configured and willing.
func TestResolverNoFallbackAcrossSources(t *testing.T) {
	pmSrc := &fakeSource{platform: domain.PlatformPolymarket, unavailable: true}
	klSrc := &fakeSource{platform: domain.PlatformKalshi, tempF: 34.8}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{
		domain.PlatformPolymarket: pmSrc,
		domain.PlatformKalshi:     klSrc,
	})
	ctx := context.Background()

	tr := openTrade("ny", "New York", "2026-02-14", domain.PlatformPolymarket, domain.SideYes, boundedRange(33.5, 35.5))
	require.NoError(t, s.SaveTrade(ctx, tr))

	resolved, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, resolved)

	open, err := s.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "trade must remain open until ITS source publishes")

	res, err := s.MarketResolution(ctx, tr.MarketID)
	require.NoError(t, err)
	require.Nil(t, res)

	// Next cycle, the report is out; now it resolves.
	pmSrc.unavailable = false
	pmSrc.tempF = 34.8
	resolved, err = r.RunOnce(ctx, time.Date(2026, 2, 15, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
}

func seedResolvedOpportunities(t *testing.T, s *storage.SQLiteStorage, n int, won bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		o := domain.Opportunity{
			ID:         "opp-" + string(rune('a'+i)),
			CycleID:    "cycle-1",
			ScannedAt:  time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC),
			City:       "New York",
			TargetDate: "2026-02-14",
			Platform:   domain.PlatformPolymarket,
			MarketID:   "mkt-" + string(rune('a'+i)),
			Range:      boundedRange(33.5, 35.5),
			Side:       domain.SideYes,
			RangeType:  domain.RangeBounded,
			Unit:       domain.UnitFahrenheit,
			Ask:        0.10, // sparse low bucket: win rate 1.0 vs avg prob 0.12
			Bid:        0.08,
			RawProbability:       0.12,
			CorrectedProbability: 0.12,
			HoursToResolution:    20,
			Passed:               true,
		}
		require.NoError(t, s.SaveOpportunity(ctx, o))
		require.NoError(t, s.BackfillOpportunityOutcome(ctx, o.MarketID, 34.8, won))
	}
}

// Invariant 7: the correction ratio is capped even when a sparse bucket's
// empirical win rate blows far past its average model probability.
func TestResolverCalibrationRatioCapped(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformPolymarket, tempF: 34.8}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{domain.PlatformPolymarket: src})
	ctx := context.Background()

	seedResolvedOpportunities(t, s, 5, true)

	_, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	bucket, err := s.ModelCalibrationFor(ctx, domain.RangeBounded, 0.10)
	require.NoError(t, err)
	require.NotNil(t, bucket)
	// win rate 1.0 / avg prob 0.12 ≈ 8.3, clamped to the configured 2.0.
	require.Equal(t, 2.0, bucket.CorrectionRatio)
}

// Invariant 12: a second resolver pass with no intervening data changes
// leaves resolutions, calibration, and view row counts identical.
func TestResolverIdempotent(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformPolymarket, tempF: 34.8}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{domain.PlatformPolymarket: src})
	ctx := context.Background()

	tr := openTrade("ny", "New York", "2026-02-14", domain.PlatformPolymarket, domain.SideYes, boundedRange(33.5, 35.5))
	require.NoError(t, s.SaveTrade(ctx, tr))
	seedResolvedOpportunities(t, s, 3, true)

	_, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	firstRes, err := s.MarketResolution(ctx, tr.MarketID)
	require.NoError(t, err)
	require.NotNil(t, firstRes)
	firstViews, err := s.RefreshMaterializedViews(ctx)
	require.NoError(t, err)

	_, err = r.RunOnce(ctx, time.Date(2026, 2, 15, 12, 5, 0, 0, time.UTC))
	require.NoError(t, err)

	secondRes, err := s.MarketResolution(ctx, tr.MarketID)
	require.NoError(t, err)
	require.NotNil(t, secondRes)
	require.Equal(t, firstRes.ActualTempF, secondRes.ActualTempF)
	require.Equal(t, firstRes.ResolutionStation, secondRes.ResolutionStation)

	secondViews, err := s.RefreshMaterializedViews(ctx)
	require.NoError(t, err)
	require.Equal(t, firstViews.MarketOutcomesRows, secondViews.MarketOutcomesRows)
	require.Equal(t, firstViews.FeaturesMLRows, secondViews.FeaturesMLRows)
	require.Equal(t, firstViews.PerformanceRows, secondViews.PerformanceRows)
}

// Kalshi settlement nets out the entry fee recorded on the trade.
func TestResolverKalshiPnLIncludesFees(t *testing.T) {
	src := &fakeSource{platform: domain.PlatformKalshi, tempF: 34.8}
	r, s := newResolver(t, map[domain.Platform]ports.ResolutionSource{domain.PlatformKalshi: src})
	ctx := context.Background()

	tr := openTrade("ny", "New York", "2026-02-14", domain.PlatformKalshi, domain.SideYes, boundedRange(33.5, 35.5))
	tr.Fees = 1.68 // 100 shares × 0.07 × 0.6 × 0.4, charged at entry
	require.NoError(t, s.SaveTrade(ctx, tr))

	_, err := r.RunOnce(ctx, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	got, err := s.FindTradeByDedupKey(ctx, tr.DedupKey(), []domain.TradeStatus{domain.TradeResolved})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.InDelta(t, 100-60-1.68, got.PnL, 1e-9)
}
