package forecast

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/numerics"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// accuracyWindow is the rolling window over which per-source MAE is
// computed for ensemble weighting.
const accuracyWindow = 30 * 24 * time.Hour

// Config holds the weighting/demotion/confidence parameters (spec §4.3, §6
// "Forecasts: source management").
type Config struct {
	MinSamplesForWeight int
	HardDemotionMAE     float64 // absolute ceiling
	RelativeDemotionFactor float64 // x * best source's MAE
	SoftDemotionWeightCap  float64
	MinActiveSources       int

	KalshiResolutionBoost float64 // multiplier on the platform-specific source's weight

	PooledStdDevF         float64
	MinSamplesForCityStdDev int

	DualStationDemotionFactor float64 // widens StdDev by this factor for dual-station cities

	MaxCorrectionRatio float64
	MinNForCorrection  int
}

// DefaultConfig returns reasonable defaults grounded in spec §6's named
// options.
func DefaultConfig() Config {
	return Config{
		MinSamplesForWeight:      5,
		HardDemotionMAE:          6.0,
		RelativeDemotionFactor:   2.5,
		SoftDemotionWeightCap:    0.1,
		MinActiveSources:         2,
		KalshiResolutionBoost:    1.5,
		PooledStdDevF:            3.0,
		MinSamplesForCityStdDev:  20,
		DualStationDemotionFactor: 1.25,
		MaxCorrectionRatio:       2.0,
		MinNForCorrection:        30,
	}
}

// LowConfidenceError marks an ensemble with too few active sources to trust.
type LowConfidenceError struct{ City string }

func (e LowConfidenceError) Error() string {
	return "forecast: " + e.City + ": fewer than minimum active sources remain"
}

// Engine builds ForecastDistribution values from a set of ForecastSource
// implementations, weighting by rolling MAE (spec §4.3).
type Engine struct {
	sources []ports.ForecastSource
	storage ports.Storage
	cfg     Config
}

func NewEngine(sources []ports.ForecastSource, storage ports.Storage, cfg Config) *Engine {
	return &Engine{sources: sources, storage: storage, cfg: cfg}
}

// Build fetches every enabled source, weights by inverse rolling MAE with
// hard/relative/soft demotion, and returns the ensemble distribution. A nil
// accuracy slice means "look it up": the engine pulls the rolling window
// from storage itself.
func (e *Engine) Build(ctx context.Context, city domain.City, targetDate string, accuracy []domain.SourceAccuracy, daysOut int, now time.Time) (domain.ForecastDistribution, error) {
	if accuracy == nil && e.storage != nil {
		acc, err := e.storage.SourceAccuracies(ctx, city.Name, now.Add(-accuracyWindow))
		if err == nil {
			accuracy = acc
		}
	}
	accByName := make(map[string]domain.SourceAccuracy, len(accuracy))
	for _, a := range accuracy {
		accByName[a.Source] = a
	}

	// Sources fetch concurrently — each carries its own timeout, and one
	// slow provider must not serialize the whole ensemble (spec §5).
	results := make([]domain.SourceForecast, len(e.sources))
	errs := make([]error, len(e.sources))
	var wg sync.WaitGroup
	for i, src := range e.sources {
		wg.Add(1)
		go func(i int, src ports.ForecastSource) {
			defer wg.Done()
			results[i], errs[i] = src.Forecast(ctx, city, targetDate)
		}(i, src)
	}
	wg.Wait()

	var readings []domain.SourceForecast
	for i := range results {
		if errs[i] != nil {
			continue // source failures degrade gracefully (spec §4.3)
		}
		readings = append(readings, results[i])
		e.persistSample(ctx, city.Name, targetDate, results[i].Source, results[i].TempF, now)
	}

	weights := e.weightSources(readings, accByName, city)
	active := 0
	for _, w := range weights {
		if w > 0 {
			active++
		}
	}
	if active < e.cfg.MinActiveSources {
		return domain.ForecastDistribution{}, LowConfidenceError{City: city.Name}
	}

	breakdown := make([]domain.EnsembleBreakdown, 0, len(readings))
	var weightedSum, weightTotal float64
	var kalshiSum, kalshiTotal float64
	minTemp, maxTemp := math.Inf(1), math.Inf(-1)
	for _, r := range readings {
		w := weights[r.Source]
		mae := accByName[r.Source].MAE
		breakdown = append(breakdown, domain.EnsembleBreakdown{Source: r.Source, TempF: r.TempF, Weight: w, MAE: mae})
		weightedSum += w * r.TempF
		weightTotal += w

		// Parallel mean with the Kalshi resolution source boosted, so the
		// scanner can price Kalshi ranges off the station Kalshi actually
		// settles against (spec §4.3).
		kw := w
		if r.Source == kalshiResolutionSourceName {
			kw *= e.cfg.KalshiResolutionBoost
		}
		kalshiSum += kw * r.TempF
		kalshiTotal += kw

		if r.TempF < minTemp {
			minTemp = r.TempF
		}
		if r.TempF > maxTemp {
			maxTemp = r.TempF
		}
	}
	mean := weightedSum / weightTotal
	kalshiMean := kalshiSum / kalshiTotal
	disagreement := maxTemp - minTemp

	stdDev := e.stdDevFor(ctx, city, disagreement)
	stdDev *= math.Sqrt(float64(maxInt(daysOut, 1)))

	e.persistSample(ctx, city.Name, targetDate, domain.EnsembleCorrectedSource, mean, now)

	return domain.ForecastDistribution{
		City:          city.Name,
		TargetDate:    targetDate,
		EnsembleTempF: mean,
		KalshiTempF:   kalshiMean,
		StdDev:        stdDev,
		Sources:       breakdown,
		Disagreement:  disagreement,
		ComputedAt:    now,
	}, nil
}

// persistSample records one forecast fetch (or the corrected-ensemble
// value) for the resolver's accuracy backfill. Persistence failures never
// block building the distribution.
func (e *Engine) persistSample(ctx context.Context, city, targetDate, source string, tempF float64, now time.Time) {
	if e.storage == nil {
		return
	}
	err := e.storage.SaveForecastSample(ctx, domain.ForecastSample{
		ID:         uuid.NewString(),
		City:       city,
		TargetDate: targetDate,
		Source:     source,
		TempF:      tempF,
		FetchedAt:  now,
	})
	if err != nil {
		slog.Debug("forecast: save sample failed", "city", city, "source", source, "err", err)
	}
}

// weightSources computes ∝ 1/MAE weights with hard/relative/soft demotion
// (spec §4.3).
func (e *Engine) weightSources(readings []domain.SourceForecast, acc map[string]domain.SourceAccuracy, city domain.City) map[string]float64 {
	weights := make(map[string]float64, len(readings))

	var best float64 = math.Inf(1)
	for _, r := range readings {
		a, ok := acc[r.Source]
		if !ok || a.Samples < e.cfg.MinSamplesForWeight {
			continue
		}
		if a.MAE < best {
			best = a.MAE
		}
	}

	var demoted []string
	for _, r := range readings {
		a, ok := acc[r.Source]
		if !ok || a.Samples < e.cfg.MinSamplesForWeight || a.MAE <= 0 {
			weights[r.Source] = 1.0 // no track record yet: neutral weight
			continue
		}
		if a.MAE > e.cfg.HardDemotionMAE || a.MAE > e.cfg.RelativeDemotionFactor*best {
			weights[r.Source] = 0
			demoted = append(demoted, r.Source)
			continue
		}
		weights[r.Source] = 1.0 / a.MAE
	}

	// Soft demotion: if full demotion leaves fewer active sources than the
	// floor, demoted sources come back capped at a token weight instead of
	// dropping out entirely (spec §4.3).
	active := 0
	for _, w := range weights {
		if w > 0 {
			active++
		}
	}
	if active < e.cfg.MinActiveSources {
		for _, source := range demoted {
			if active >= e.cfg.MinActiveSources {
				break
			}
			weights[source] = e.cfg.SoftDemotionWeightCap
			active++
		}
	}
	return weights
}

// kalshiResolutionSourceName is the forecast source that tracks the station
// Kalshi settles against; its weight is boosted only in the parallel
// KalshiTempF mean, never in the main ensemble.
const kalshiResolutionSourceName = "nws"

// stdDevFor picks the distribution width in fallback order (spec §4.3):
// per-city empirical when enough resolved samples exist, pooled otherwise,
// finally a confidence tier indexed by how much the sources disagree. Cities
// that resolve against two distinct stations are demoted one tier — the
// microclimate gap between their stations is real spread the ensemble
// cannot see.
func (e *Engine) stdDevFor(ctx context.Context, city domain.City, disagreement float64) float64 {
	tierDemotions := 0
	if city.DualStation() {
		tierDemotions = 1
	}

	dist, err := e.storage.CityErrorDistribution(ctx, city.Name)
	if err == nil && dist != nil && dist.N >= e.cfg.MinSamplesForCityStdDev {
		return demote(dist.StdDevF, tierDemotions, e.cfg.DualStationDemotionFactor)
	}
	if e.cfg.PooledStdDevF > 0 {
		return demote(e.cfg.PooledStdDevF, tierDemotions, e.cfg.DualStationDemotionFactor)
	}
	return spreadTierStdDev(disagreement, tierDemotions)
}

// demote widens a std dev by one multiplicative tier per demotion.
func demote(stdDev float64, demotions int, factor float64) float64 {
	for i := 0; i < demotions; i++ {
		stdDev *= factor
	}
	return stdDev
}

// spreadTierStdDev is the last-resort confidence table: wider source
// disagreement means less trustworthy agreement, so a wider distribution.
// A demotion moves one tier toward the wide end.
func spreadTierStdDev(disagreement float64, demotions int) float64 {
	tiers := []struct {
		maxSpread float64
		stdDev    float64
	}{
		{2.0, 2.5},
		{4.0, 3.5},
		{6.0, 4.5},
		{math.Inf(1), 6.0},
	}
	idx := len(tiers) - 1
	for i, tier := range tiers {
		if disagreement <= tier.maxSpread {
			idx = i
			break
		}
	}
	idx += demotions
	if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx].stdDev
}

// Probability computes P(range) for a bounded or unbounded range using the
// A&S-correct normal CDF (spec §4.3).
func Probability(r domain.Range, mean, stdDev float64) float64 {
	return numerics.RangeProbability(r.Min, r.Max, mean, stdDev)
}

// ApplyCalibration corrects a raw probability via the model-calibration
// bucket's correction ratio, clamped to MaxCorrectionRatio (spec §4.3, §4.7).
func (e *Engine) ApplyCalibration(ctx context.Context, rangeType domain.RangeType, rawProbability float64) (float64, error) {
	bucket := probabilityBucket(rawProbability)
	b, err := e.storage.ModelCalibrationFor(ctx, rangeType, bucket)
	if err != nil {
		return rawProbability, err
	}
	if b == nil || b.N < e.cfg.MinNForCorrection {
		return rawProbability, nil
	}
	ratio := b.CorrectionRatio
	if ratio > e.cfg.MaxCorrectionRatio {
		ratio = e.cfg.MaxCorrectionRatio
	}
	corrected := rawProbability * ratio
	return clamp01(corrected), nil
}

func probabilityBucket(p float64) float64 {
	const bucketWidth = 0.05
	return math.Floor(p/bucketWidth) * bucketWidth
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
