// Package resolver settles matured markets against their authoritative
// source, backfills opportunity/trade outcomes, and rebuilds the calibration
// tables the scanner and monitor consult (spec §4.7).
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/calibration"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// Resolver runs one resolution pass per cycle.
type Resolver struct {
	storage ports.Storage
	sources map[domain.Platform]ports.ResolutionSource
	cities  []config.CityConfig
	cfg     config.CalibrationConfig
	window  time.Duration // rolling history window for calibration rebuilds
}

func New(storage ports.Storage, sources map[domain.Platform]ports.ResolutionSource, cities []config.CityConfig, cfg config.CalibrationConfig) *Resolver {
	return &Resolver{storage: storage, sources: sources, cities: cities, cfg: cfg, window: 90 * 24 * time.Hour}
}

// RunOnce resolves every open trade whose target date has fully elapsed in
// city-local time — never UTC: at 04:59Z on Feb 15 a New York Feb 14 trade
// is still mid-evening locally, and a Toronto one later still. Afterwards
// it rebuilds every calibration table from the resolved history and
// refreshes the materialized views (spec §4.7, §8 S4).
func (r *Resolver) RunOnce(ctx context.Context, now time.Time) (resolved int, err error) {
	for _, cityCfg := range r.cities {
		city := cityCfg.ToDomain()
		loc := city.Location()

		open, err := r.storage.OpenTradesForCity(ctx, city.Name)
		if err != nil {
			slog.Warn("resolver: open trades lookup failed", "city", city.Name, "err", err)
			continue
		}

		// Trades can sit open for several days when the authoritative
		// source lags, so eligibility is per target date, not "yesterday".
		localToday := now.In(loc).Format("2006-01-02")
		dates := map[string]bool{}
		for _, t := range open {
			if t.TargetDate < localToday {
				dates[t.TargetDate] = true
			}
		}

		for targetDate := range dates {
			n, err := r.resolveCity(ctx, city, targetDate, loc, now)
			if err != nil {
				slog.Warn("resolver: resolve city failed", "city", city.Name, "date", targetDate, "err", err)
				continue
			}
			resolved += n
		}
	}

	if err := r.rebuildCalibration(ctx, now); err != nil {
		slog.Warn("resolver: calibration rebuild failed", "err", err)
	}

	start := now
	result, err := r.storage.RefreshMaterializedViews(ctx)
	if err != nil {
		slog.Warn("resolver: materialized view refresh failed", "err", err)
	} else {
		slog.Info("resolver: materialized views refreshed",
			"market_outcomes", result.MarketOutcomesRows,
			"features_ml", result.FeaturesMLRows,
			"performance", result.PerformanceRows,
			"duration", time.Since(start).Round(time.Millisecond))
	}

	return resolved, nil
}

func (r *Resolver) resolveCity(ctx context.Context, city domain.City, targetDate string, loc *time.Location, now time.Time) (int, error) {
	var resolvedCount int
	for platform, src := range r.sources {
		station := city.NWSStation
		if platform == domain.PlatformPolymarket {
			station = city.PolymarketStation
		}

		tempF, err := src.Resolve(ctx, station, city.CountryCode, targetDate, loc, now)
		if err != nil {
			if err == ErrNotYetAvailable {
				continue
			}
			return resolvedCount, fmt.Errorf("resolver.resolveCity: %s/%s: %w", city.Name, platform, err)
		}

		resolvedMarkets, err := r.backfill(ctx, city, targetDate, platform, tempF, station, now)
		if err != nil {
			return resolvedCount, err
		}
		resolvedCount += resolvedMarkets
	}
	return resolvedCount, nil
}

// backfill writes the MarketResolution and updates every opportunity/trade
// row touching this (city, target_date, platform).
func (r *Resolver) backfill(ctx context.Context, city domain.City, targetDate string, platform domain.Platform, tempF float64, station string, now time.Time) (int, error) {
	open, err := r.storage.OpenTradesForCity(ctx, city.Name)
	if err != nil {
		return 0, err
	}

	// Accuracy rows (spec §4.7 step 6): stamp the actual high onto every
	// forecast sample for this (city, date) so the next cycle's per-source
	// MAE weighting and city error distribution see the outcome.
	if err := r.storage.BackfillForecastActuals(ctx, city.Name, targetDate, tempF); err != nil {
		slog.Warn("resolver: forecast actuals backfill failed", "city", city.Name, "date", targetDate, "err", err)
	}

	count := 0
	for _, t := range open {
		if t.Platform != platform || t.TargetDate != targetDate {
			continue
		}
		won := rangeContains(t.Range, tempF)

		res := domain.MarketResolution{
			MarketID:          t.MarketID,
			ActualTempF:       tempF,
			WinningRange:      t.Range,
			ResolvedAt:        now,
			ResolutionStation: station,
		}
		if err := r.storage.UpsertMarketResolution(ctx, res); err != nil {
			return count, fmt.Errorf("resolver.backfill: upsert resolution: %w", err)
		}
		if err := r.storage.BackfillOpportunityOutcome(ctx, t.MarketID, tempF, won); err != nil {
			slog.Warn("resolver: backfill opportunity outcome failed", "market", t.MarketID, "err", err)
		}

		t.ActualTempF = tempF
		t.Won = &won
		t.Status = domain.TradeResolved
		resolvedAt := now
		t.ResolvedAt = &resolvedAt
		t.ResolutionStation = station
		t.PnL = pnlFor(t, won)
		if err := r.storage.UpdateTrade(ctx, t); err != nil {
			return count, fmt.Errorf("resolver.backfill: update trade: %w", err)
		}
		count++
	}
	return count, nil
}

func pnlFor(t domain.Trade, won bool) float64 {
	if won {
		return t.Shares - t.Cost - t.Fees
	}
	return -t.Cost - t.Fees
}

func rangeContains(r domain.Range, tempF float64) bool {
	if r.Min != nil && tempF < *r.Min {
		return false
	}
	if r.Max != nil && tempF > *r.Max {
		return false
	}
	return true
}

// rebuildCalibration truncates and rebuilds every calibration table from the
// rolling resolved-opportunity window (spec §3, §4.7: TRUNCATE + INSERT each
// cycle, never incremental).
func (r *Resolver) rebuildCalibration(ctx context.Context, now time.Time) error {
	resolved, err := r.storage.ResolvedOpportunitiesSince(ctx, now.Add(-r.window))
	if err != nil {
		return fmt.Errorf("resolver.rebuildCalibration: %w", err)
	}

	modelBuckets := buildModelCalibration(resolved, r.cfg.MaxCorrectionRatio)
	if err := r.storage.ReplaceModelCalibration(ctx, modelBuckets); err != nil {
		return fmt.Errorf("resolver.rebuildCalibration: model: %w", err)
	}

	marketBuckets := buildMarketCalibration(resolved)
	if err := r.storage.ReplaceMarketCalibration(ctx, marketBuckets); err != nil {
		return fmt.Errorf("resolver.rebuildCalibration: market: %w", err)
	}

	// City error distributions come from the corrected ensemble's own
	// accuracy rows, not from opportunity rows — an opportunity's forecast
	// column repeats per range and would over-weight busy ladders (spec §3).
	samples, err := r.storage.ForecastSamplesBySource(ctx, domain.EnsembleCorrectedSource, now.Add(-r.window))
	if err != nil {
		return fmt.Errorf("resolver.rebuildCalibration: forecast samples: %w", err)
	}
	dists := buildCityErrorDistributions(samples)
	if err := r.storage.ReplaceCityErrorDistributions(ctx, dists); err != nil {
		return fmt.Errorf("resolver.rebuildCalibration: city error: %w", err)
	}
	return nil
}

type modelKey struct {
	rangeType domain.RangeType
	bucket    float64
}

func buildModelCalibration(opps []domain.Opportunity, maxRatio float64) []domain.ModelCalibrationBucket {
	groups := map[modelKey][]domain.Opportunity{}
	for _, o := range opps {
		if o.Won == nil {
			continue
		}
		k := modelKey{o.RangeType, probabilityBucket(o.RawProbability)}
		groups[k] = append(groups[k], o)
	}

	out := make([]domain.ModelCalibrationBucket, 0, len(groups))
	for k, g := range groups {
		var sumProb float64
		var wins int
		for _, o := range g {
			sumProb += o.RawProbability
			if *o.Won {
				wins++
			}
		}
		n := len(g)
		avgProb := sumProb / float64(n)
		winRate := float64(wins) / float64(n)
		ratio := 1.0
		if avgProb > 0 {
			ratio = winRate / avgProb
		}
		if ratio > maxRatio {
			ratio = maxRatio
		}
		out = append(out, domain.ModelCalibrationBucket{
			RangeType:       k.rangeType,
			ModelProbBucket: k.bucket,
			N:               n,
			AvgModelProb:    avgProb,
			ActualWinRate:   winRate,
			CorrectionRatio: ratio,
		})
	}
	return out
}

type marketKey struct {
	platform  domain.Platform
	rangeType domain.RangeType
	leadTime  int
	price     float64
}

func buildMarketCalibration(opps []domain.Opportunity) []domain.MarketCalibrationBucket {
	groups := map[marketKey][]domain.Opportunity{}
	for _, o := range opps {
		if o.Won == nil {
			continue
		}
		k := marketKey{o.Platform, o.RangeType, calibration.LeadTimeBucket(o.HoursToResolution), calibration.PriceBucket(o.Ask)}
		groups[k] = append(groups[k], o)
	}

	out := make([]domain.MarketCalibrationBucket, 0, len(groups))
	for k, g := range groups {
		var sumAsk float64
		var wins int
		for _, o := range g {
			sumAsk += o.Ask
			if *o.Won {
				wins++
			}
		}
		n := len(g)
		avgAsk := sumAsk / float64(n)
		winRate := float64(wins) / float64(n)
		out = append(out, domain.MarketCalibrationBucket{
			Platform:         k.platform,
			RangeType:        k.rangeType,
			LeadTimeBucket:   k.leadTime,
			PriceBucket:      k.price,
			N:                n,
			EmpiricalWinRate: winRate,
			MarketAvgAsk:     avgAsk,
			TrueEdge:         winRate - avgAsk,
		})
	}
	return out
}

func buildCityErrorDistributions(samples []domain.ForecastSample) []domain.CityErrorDistribution {
	byCity := map[string][]float64{}
	for _, s := range samples {
		if s.ActualTempF == nil {
			continue
		}
		byCity[s.City] = append(byCity[s.City], *s.ActualTempF-s.TempF)
	}

	out := make([]domain.CityErrorDistribution, 0, len(byCity))
	for city, errs := range byCity {
		sort.Float64s(errs)
		out = append(out, domain.CityErrorDistribution{
			City:       city,
			N:          len(errs),
			MeanErrorF: mean(errs),
			MAEF:       meanAbs(errs),
			StdDevF:    stdDev(errs),
			P5:         percentile(errs, 0.05),
			P25:        percentile(errs, 0.25),
			P50:        percentile(errs, 0.50),
			P75:        percentile(errs, 0.75),
			P95:        percentile(errs, 0.95),
		})
	}
	return out
}

func meanAbs(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += math.Abs(x)
	}
	return sum / float64(len(xs))
}

func probabilityBucket(p float64) float64 {
	const width = 0.05
	return math.Floor(p/width) * width
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		sumSq += (x - m) * (x - m)
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
