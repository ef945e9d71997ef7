// Package ports defines the interfaces the domain layer depends on and the
// adapters package implements: storage, platform access, forecast/observation
// sources, and alerting.
package ports

import (
	"context"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// Storage is the persistence gateway. Every method is a transactional unit
// at statement granularity (spec §4.1); callers never see partial writes.
type Storage interface {
	// Opportunities (append-only).
	SaveOpportunity(ctx context.Context, o domain.Opportunity) error
	UpdateOpportunityAction(ctx context.Context, id string, action string) error
	BackfillOpportunityOutcome(ctx context.Context, marketID string, actualTempF float64, won bool) error

	// Trades.
	SaveTrade(ctx context.Context, t domain.Trade) error
	UpdateTrade(ctx context.Context, t domain.Trade) error
	OpenTrades(ctx context.Context) ([]domain.Trade, error)
	OpenTradesForCity(ctx context.Context, city string) ([]domain.Trade, error)
	FindTradeByDedupKey(ctx context.Context, key string, statuses []domain.TradeStatus) (*domain.Trade, error)

	// Bankroll reconstruction (spec invariant 8): sum of cost across ALL
	// open trades on one side, regardless of platform — both platforms
	// draw down the same per-side paper bankroll.
	OpenCostSum(ctx context.Context, side domain.Side) (float64, error)

	// Resolutions.
	UpsertMarketResolution(ctx context.Context, r domain.MarketResolution) error
	MarketResolution(ctx context.Context, marketID string) (*domain.MarketResolution, error)

	// Forecast samples (append-only): raw per-source fetches plus the
	// corrected-ensemble pseudo-source, backfilled with actuals at
	// resolution so SourceAccuracies can weight the next ensemble.
	SaveForecastSample(ctx context.Context, s domain.ForecastSample) error
	BackfillForecastActuals(ctx context.Context, city, targetDate string, actualTempF float64) error
	SourceAccuracies(ctx context.Context, city string, since time.Time) ([]domain.SourceAccuracy, error)
	ForecastSamplesBySource(ctx context.Context, source string, since time.Time) ([]domain.ForecastSample, error)

	// Observations (append-only, monotonic running highs).
	SaveObservation(ctx context.Context, o domain.Observation) error
	LatestObservation(ctx context.Context, city, targetDate string) (*domain.Observation, error)
	SavePWSSample(ctx context.Context, s domain.PWSSample) error
	RecentPWSSamples(ctx context.Context, city, targetDate string, n int) ([]domain.PWSSample, error)

	// Calibration (rebuilt wholesale each resolver cycle: TRUNCATE + INSERT).
	ReplaceModelCalibration(ctx context.Context, buckets []domain.ModelCalibrationBucket) error
	ReplaceMarketCalibration(ctx context.Context, buckets []domain.MarketCalibrationBucket) error
	ReplaceCityErrorDistributions(ctx context.Context, dists []domain.CityErrorDistribution) error
	ModelCalibrationFor(ctx context.Context, rangeType domain.RangeType, modelProbBucket float64) (*domain.ModelCalibrationBucket, error)
	MarketCalibrationFor(ctx context.Context, platform domain.Platform, rangeType domain.RangeType, leadTimeBucket int, priceBucket float64) (*domain.MarketCalibrationBucket, error)
	CityErrorDistribution(ctx context.Context, city string) (*domain.CityErrorDistribution, error)

	// Resolver source data: resolved (city, target_date) pairs within a
	// rolling window, used to rebuild calibration tables.
	ResolvedOpportunitiesSince(ctx context.Context, since time.Time) ([]domain.Opportunity, error)

	// Materialized views, refreshed after each resolver run.
	RefreshMaterializedViews(ctx context.Context) (MVRefreshResult, error)
	PerformanceRows(ctx context.Context) ([]domain.PerformanceRow, error)

	Close() error
}

// MVRefreshResult records one refresh pass for mv_refresh_log.
type MVRefreshResult struct {
	MarketOutcomesRows int
	FeaturesMLRows     int
	PerformanceRows    int
	Duration           time.Duration
}
