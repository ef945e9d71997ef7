// Package scanner evaluates every tradable market against the forecast
// ensemble each cycle, running the ordered filter chain (spec §4.4) and
// emitting one append-only Opportunity row per (market, side) considered.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/calibration"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/forecast"
	"github.com/mrosas-dev/wxtrader/internal/numerics"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// Scanner is the per-cycle orchestrator: fetch markets, build the forecast
// ensemble once per (city, target_date), evaluate both sides of every
// market through the filter chain, and persist every candidate considered.
type Scanner struct {
	platforms []ports.PlatformAdapter
	engine    *forecast.Engine
	storage   ports.Storage
	cities    []config.CityConfig
	cfg       config.Config
	chain     *filterChain
	daysOut   func(targetDate string, now time.Time) int
}

func New(platforms []ports.PlatformAdapter, engine *forecast.Engine, storage ports.Storage, cities []config.CityConfig, cfg config.Config) *Scanner {
	return &Scanner{
		platforms: platforms,
		engine:    engine,
		storage:   storage,
		cities:    cities,
		cfg:       cfg,
		chain: newFilterChain(cfg.Filters, calibration.Config{
			BlocksMinN:   cfg.Calibration.CalBlocksMinN,
			ConfirmsMinN: cfg.Calibration.CalConfirmsMinN,
			MinTradeEdge: cfg.Calibration.CalMinTradeEdge,
		}),
		daysOut: daysOutFromNow,
	}
}

// RunOnce performs one full scan cycle and returns every Opportunity
// considered, passed or not (spec §4.4: append-only, one row per candidate).
func (s *Scanner) RunOnce(ctx context.Context, now time.Time) ([]domain.Opportunity, error) {
	cycleID := uuid.NewString()
	var all []domain.Opportunity

	type distKey struct {
		city string
		date string
	}
	distCache := map[distKey]domain.ForecastDistribution{}

	for _, cityCfg := range s.cities {
		city := cityCfg.ToDomain()

		for _, platform := range s.platforms {
			window := ports.DateWindow{From: now.Format("2006-01-02"), To: now.AddDate(0, 0, 7).Format("2006-01-02")}
			markets, err := platform.FetchMarkets(ctx, city, window)
			if err != nil {
				slog.Warn("scanner: fetch markets failed", "platform", platform.Platform(), "city", city.Name, "err", err)
				continue
			}

			byDate := map[string][]domain.Market{}
			for _, market := range markets {
				byDate[market.TargetDate] = append(byDate[market.TargetDate], market)
			}

			for date, ladder := range byDate {
				key := distKey{city: city.Name, date: date}
				dist, ok := distCache[key]
				if !ok {
					built, err := s.engine.Build(ctx, city, date, nil, s.daysOut(date, now), now)
					if err != nil {
						slog.Debug("scanner: forecast build failed, skipping date", "city", city.Name, "date", date, "err", err)
						continue
					}
					dist = built
					distCache[key] = dist
				}
				// The market's own opinion of the day's high: mid-price
				// weighted center of the bounded range ladder (spec §3
				// "market-implied mean derived from mid-prices").
				dist.MarketImpliedMeanF = marketImpliedMean(ladder)

				for _, market := range ladder {
					opps := s.evaluateMarket(ctx, cycleID, now, city, market, dist)
					all = append(all, opps...)
				}
			}
		}
	}

	for _, o := range all {
		if err := s.storage.SaveOpportunity(ctx, o); err != nil {
			slog.Warn("scanner: save opportunity failed", "id", o.ID, "err", err)
		}
	}

	return all, nil
}

// evaluateMarket evaluates both YES and NO sides of one market against the
// forecast distribution and the full filter chain.
func (s *Scanner) evaluateMarket(ctx context.Context, cycleID string, now time.Time, city domain.City, market domain.Market, dist domain.ForecastDistribution) []domain.Opportunity {
	// Kalshi ranges are priced off the parallel ensemble mean that boosts
	// Kalshi's own resolution source (spec §4.3 "so the scanner can pick
	// per-range").
	ensembleTemp := dist.EnsembleTempF
	if market.Platform == domain.PlatformKalshi && dist.KalshiTempF != 0 {
		ensembleTemp = dist.KalshiTempF
	}
	rawP := forecast.Probability(market.Range, ensembleTemp, dist.StdDev)
	correctedP, err := s.engine.ApplyCalibration(ctx, market.Range.Type, rawP)
	if err != nil {
		slog.Debug("scanner: calibration lookup failed, using raw probability", "err", err)
		correctedP = rawP
	}

	cityMAE := cityMAEOf(dist)
	hoursToRes := market.HoursToResolution(city.Location(), now)

	nearEdge, farEdge := edgeDistances(market.Range, ensembleTemp)

	var out []domain.Opportunity
	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		ask, prob := sideAskAndProbability(market, side, correctedP)
		edge := prob - ask

		bucket, err := s.storage.MarketCalibrationFor(ctx, market.Platform, market.Range.Type, calibration.LeadTimeBucket(hoursToRes), calibration.PriceBucket(ask))
		if err != nil {
			bucket = nil
		}

		c := candidate{
			Market:             market,
			City:               city,
			Side:               side,
			Ask:                ask,
			PlatformTradingDisabled: s.cfg.Filters.PlatformDisabled(string(market.Platform)),
			TopDepth:           market.TopDepth,
			HoursToResolution:  hoursToRes,
			CityMAE:            cityMAE,
			RawProbability:     rawP,
			CorrectedProbability: prob,
			Edge:               edge,
			StdDev:             dist.StdDev,
			ForecastTempF:      ensembleTemp,
			MarketImpliedMeanF: dist.MarketImpliedMeanF,
			MarketBucket:       bucket,
		}

		reason := s.chain.Evaluate(c)

		o := domain.Opportunity{
			ID:                   uuid.NewString(),
			ScannedAt:            now,
			CycleID:              cycleID,
			City:                 city.Name,
			TargetDate:           market.TargetDate,
			Platform:             market.Platform,
			MarketID:             market.MarketID,
			Range:                market.Range,
			Side:                 side,
			RangeType:            market.Range.Type,
			Unit:                 market.Unit,
			Ask:                  ask,
			Bid:                  market.BestBid,
			Spread:               market.Spread,
			Volume:               market.Volume,
			RawProbability:       rawP,
			CorrectedProbability: prob,
			ForecastTempF:        ensembleTemp,
			ForecastConfidence:   confidenceFrom(dist),
			StdDev:               dist.StdDev,
			Edge:                 edge,
			HoursToResolution:    hoursToRes,
			MarketImpliedMeanF:   dist.MarketImpliedMeanF,
			DistToNearEdgeF:      nearEdge,
			DistToFarEdgeF:       farEdge,
			FilterReasons:        nil,
			Passed:               reason == "",
		}
		if reason != "" {
			o.FilterReasons = []string{reason}
		} else {
			o.KellyFraction = numerics.Kelly(prob, ask, 1.0, s.cfg.Sizing.KellyFraction)
		}
		out = append(out, o)
	}
	return out
}

// sideAskAndProbability returns the ask price and win probability as seen
// from the given side. NO is priced as the complement of the YES book
// (spec glossary: ask_no/bid_no), since platforms only quote the YES token.
func sideAskAndProbability(market domain.Market, side domain.Side, correctedYesProb float64) (ask, prob float64) {
	if side == domain.SideYes {
		return market.BestAsk, correctedYesProb
	}
	noAsk := 1 - market.BestBid
	return noAsk, 1 - correctedYesProb
}

func cityMAEOf(dist domain.ForecastDistribution) float64 {
	if len(dist.Sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range dist.Sources {
		sum += s.MAE
	}
	return sum / float64(len(dist.Sources))
}

func confidenceFrom(dist domain.ForecastDistribution) float64 {
	if dist.StdDev <= 0 {
		return 1
	}
	return 1 / (1 + dist.StdDev/10)
}

// edgeDistances returns the forecast temperature's signed distance to the
// range's nearest and farthest boundary: negative when the forecast sits
// inside the range, positive outside. Single-boundary ranges report the
// same value for both.
func edgeDistances(r domain.Range, tempF float64) (near, far float64) {
	var dists []float64
	if r.Min != nil {
		dists = append(dists, abs(tempF-*r.Min))
	}
	if r.Max != nil {
		dists = append(dists, abs(tempF-*r.Max))
	}
	if len(dists) == 0 {
		return 0, 0
	}
	near, far = dists[0], dists[0]
	for _, d := range dists[1:] {
		if d < near {
			near = d
		}
		if d > far {
			far = d
		}
	}
	inside := (r.Min == nil || tempF >= *r.Min) && (r.Max == nil || tempF <= *r.Max)
	if inside {
		near, far = -near, -far
	}
	return near, far
}

// marketImpliedMean derives the market's consensus temperature from a range
// ladder: each bounded range's center weighted by its mid-price. Unbounded
// tails are excluded — they have no center and would drag the mean toward
// whichever side lists more of them.
func marketImpliedMean(ladder []domain.Market) float64 {
	var weightedSum, weightTotal float64
	for _, m := range ladder {
		if m.Range.Min == nil || m.Range.Max == nil {
			continue
		}
		mid := (m.BestBid + m.BestAsk) / 2
		if mid <= 0 {
			continue
		}
		center := (*m.Range.Min + *m.Range.Max) / 2
		weightedSum += mid * center
		weightTotal += mid
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

func daysOutFromNow(targetDate string, now time.Time) int {
	d, err := time.Parse("2006-01-02", targetDate)
	if err != nil {
		return 1
	}
	days := int(d.Sub(now).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

