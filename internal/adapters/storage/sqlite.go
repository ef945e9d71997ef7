// Package storage implements the persistence gateway on SQLite (pure Go, no
// CGo) via modernc.org/sqlite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
    id                    TEXT PRIMARY KEY,
    cycle_id              TEXT NOT NULL,
    scanned_at            DATETIME NOT NULL,
    city                  TEXT NOT NULL,
    target_date           TEXT NOT NULL,
    platform              TEXT NOT NULL,
    market_id             TEXT NOT NULL,
    range_min             REAL,
    range_max             REAL,
    range_type            TEXT NOT NULL,
    side                  TEXT NOT NULL,
    unit                  TEXT NOT NULL,
    ask                   REAL NOT NULL,
    bid                   REAL NOT NULL,
    spread                REAL NOT NULL,
    volume                REAL NOT NULL,
    raw_probability       REAL NOT NULL,
    corrected_probability REAL NOT NULL,
    forecast_temp_f       REAL NOT NULL,
    forecast_confidence   REAL NOT NULL,
    std_dev               REAL NOT NULL,
    edge                  REAL NOT NULL,
    kelly_fraction        REAL NOT NULL,
    hours_to_resolution   REAL NOT NULL DEFAULT 0,
    market_implied_mean_f REAL NOT NULL DEFAULT 0,
    dist_near_edge_f      REAL NOT NULL DEFAULT 0,
    dist_far_edge_f       REAL NOT NULL DEFAULT 0,
    filter_reasons        TEXT NOT NULL DEFAULT '[]',
    action                TEXT NOT NULL DEFAULT 'filtered',
    actual_temp_f         REAL,
    won                   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_opp_city_date ON opportunities(city, target_date);
CREATE INDEX IF NOT EXISTS idx_opp_scanned   ON opportunities(scanned_at);

CREATE TABLE IF NOT EXISTS trades (
    id                     TEXT PRIMARY KEY,
    city                   TEXT NOT NULL,
    target_date            TEXT NOT NULL,
    platform               TEXT NOT NULL,
    market_id              TEXT NOT NULL,
    range_min              REAL,
    range_max              REAL,
    range_type             TEXT NOT NULL,
    side                   TEXT NOT NULL,
    unit                   TEXT NOT NULL,
    entry_ask              REAL NOT NULL,
    entry_bid              REAL NOT NULL,
    entry_spread           REAL NOT NULL,
    entry_volume           REAL NOT NULL,
    forecast_temp_f        REAL NOT NULL,
    forecast_confidence    REAL NOT NULL,
    std_dev                REAL NOT NULL,
    ensemble               TEXT NOT NULL DEFAULT '[]',
    entry_edge             REAL NOT NULL,
    kelly_fraction         REAL NOT NULL,
    reason                 TEXT NOT NULL,
    entered_at             DATETIME NOT NULL,
    shares                 REAL NOT NULL,
    cost                   REAL NOT NULL,
    fees                   REAL NOT NULL DEFAULT 0,
    status                 TEXT NOT NULL,
    actual_temp_f          REAL,
    won                    INTEGER,
    pnl                    REAL NOT NULL DEFAULT 0,
    resolved_at            DATETIME,
    resolution_station     TEXT,
    exit_reason            TEXT,
    exit_time              DATETIME,
    exit_price             REAL,
    observation_high       REAL NOT NULL DEFAULT 0,
    wu_high                REAL NOT NULL DEFAULT 0,
    max_price_seen         REAL NOT NULL DEFAULT 0,
    min_probability_seen   REAL NOT NULL DEFAULT 0,
    evaluator_log          TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_trades_status_platform ON trades(status, platform);
CREATE INDEX IF NOT EXISTS idx_trades_platform_date   ON trades(platform, target_date);
CREATE INDEX IF NOT EXISTS idx_trades_dedup           ON trades(city, target_date, range_min, range_max, side);

CREATE TABLE IF NOT EXISTS market_resolutions (
    market_id          TEXT PRIMARY KEY,
    actual_temp_f       REAL NOT NULL,
    winning_range_min  REAL,
    winning_range_max  REAL,
    resolved_at        DATETIME NOT NULL,
    resolution_station TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
    id                TEXT PRIMARY KEY,
    city              TEXT NOT NULL,
    target_date       TEXT NOT NULL,
    observed_at       DATETIME NOT NULL,
    station_id        TEXT NOT NULL,
    temp_f            REAL NOT NULL,
    temp_c            REAL NOT NULL,
    running_high      REAL NOT NULL,
    wu_high           REAL NOT NULL,
    metar_high        REAL NOT NULL DEFAULT 0,
    observation_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_obs_city_date ON observations(city, target_date, observed_at DESC);

CREATE TABLE IF NOT EXISTS forecast_samples (
    id            TEXT PRIMARY KEY,
    city          TEXT NOT NULL,
    target_date   TEXT NOT NULL,
    source        TEXT NOT NULL,
    temp_f        REAL NOT NULL,
    fetched_at    DATETIME NOT NULL,
    actual_temp_f REAL
);
CREATE INDEX IF NOT EXISTS idx_fcst_city_date ON forecast_samples(city, target_date);
CREATE INDEX IF NOT EXISTS idx_fcst_source    ON forecast_samples(source, fetched_at);

CREATE TABLE IF NOT EXISTS pws_samples (
    id               TEXT PRIMARY KEY,
    station_id       TEXT NOT NULL,
    city             TEXT NOT NULL,
    target_date      TEXT NOT NULL,
    observed_at      DATETIME NOT NULL,
    raw_temp_f       REAL NOT NULL,
    station_bias_f   REAL NOT NULL,
    corrected_temp_f REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pws_city_date ON pws_samples(city, target_date, observed_at DESC);

CREATE TABLE IF NOT EXISTS model_calibration (
    range_type        TEXT NOT NULL,
    model_prob_bucket REAL NOT NULL,
    n                 INTEGER NOT NULL,
    avg_model_prob    REAL NOT NULL,
    actual_win_rate   REAL NOT NULL,
    correction_ratio  REAL NOT NULL,
    PRIMARY KEY (range_type, model_prob_bucket)
);

CREATE TABLE IF NOT EXISTS market_calibration (
    platform          TEXT NOT NULL,
    range_type        TEXT NOT NULL,
    lead_time_bucket  INTEGER NOT NULL,
    price_bucket      REAL NOT NULL,
    n                 INTEGER NOT NULL,
    empirical_win_rate REAL NOT NULL,
    market_avg_ask    REAL NOT NULL,
    true_edge         REAL NOT NULL,
    PRIMARY KEY (platform, range_type, lead_time_bucket, price_bucket)
);

CREATE TABLE IF NOT EXISTS city_error_distribution (
    city        TEXT PRIMARY KEY,
    n           INTEGER NOT NULL,
    mean_error_f REAL NOT NULL,
    mae_f       REAL NOT NULL DEFAULT 0,
    std_dev_f   REAL NOT NULL,
    p5          REAL NOT NULL,
    p25         REAL NOT NULL,
    p50         REAL NOT NULL,
    p75         REAL NOT NULL,
    p95         REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS market_outcomes_mv (
    market_id          TEXT PRIMARY KEY,
    city               TEXT NOT NULL,
    target_date        TEXT NOT NULL,
    platform           TEXT NOT NULL,
    range_min          REAL,
    range_max          REAL,
    actual_temp_f       REAL NOT NULL,
    won                INTEGER NOT NULL,
    resolved_at        DATETIME NOT NULL,
    resolution_station TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS features_ml_mv (
    market_id             TEXT PRIMARY KEY,
    city                  TEXT NOT NULL,
    target_date           TEXT NOT NULL,
    platform              TEXT NOT NULL,
    ask                   REAL NOT NULL,
    raw_probability       REAL NOT NULL,
    corrected_probability REAL NOT NULL,
    edge                  REAL NOT NULL,
    forecast_temp_f       REAL NOT NULL,
    forecast_confidence   REAL NOT NULL,
    std_dev               REAL NOT NULL,
    actual_temp_f         REAL NOT NULL,
    won                   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS performance_mv (
    group_key   TEXT NOT NULL,
    group_value TEXT NOT NULL,
    trade_count INTEGER NOT NULL,
    wins        INTEGER NOT NULL,
    losses      INTEGER NOT NULL,
    win_rate    REAL NOT NULL,
    total_pnl   REAL NOT NULL,
    avg_pnl     REAL NOT NULL,
    PRIMARY KEY (group_key, group_value)
);

CREATE TABLE IF NOT EXISTS mv_refresh_log (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    refreshed_at          DATETIME NOT NULL,
    market_outcomes_rows  INTEGER NOT NULL,
    features_ml_rows      INTEGER NOT NULL,
    performance_rows      INTEGER NOT NULL,
    duration_ms           INTEGER NOT NULL
);
`

// SQLiteStorage implements ports.Storage using modernc.org/sqlite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the
// schema. SQLite is single-writer: the pool is capped to one connection
// (spec §4.1 "connection pool sized for the coordinator's bounded
// parallelism" — for a single-writer embedded store, that bound is one).
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

func rangeBounds(r domain.Range) (min, max sql.NullFloat64) {
	if r.Min != nil {
		min = sql.NullFloat64{Float64: *r.Min, Valid: true}
	}
	if r.Max != nil {
		max = sql.NullFloat64{Float64: *r.Max, Valid: true}
	}
	return
}

func nullableToRangePtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Opportunities ---

func (s *SQLiteStorage) SaveOpportunity(ctx context.Context, o domain.Opportunity) error {
	min, max := rangeBounds(o.Range)
	reasons, err := json.Marshal(o.FilterReasons)
	if err != nil {
		return fmt.Errorf("storage.SaveOpportunity: marshal reasons: %w", err)
	}
	action := "filtered"
	if o.Passed {
		action = "entered"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities
			(id, cycle_id, scanned_at, city, target_date, platform, market_id,
			 range_min, range_max, range_type, side, unit, ask, bid, spread, volume,
			 raw_probability, corrected_probability, forecast_temp_f, forecast_confidence,
			 std_dev, edge, kelly_fraction, hours_to_resolution,
			 market_implied_mean_f, dist_near_edge_f, dist_far_edge_f, filter_reasons, action)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.CycleID, o.ScannedAt.UTC(), o.City, o.TargetDate, string(o.Platform), o.MarketID,
		min, max, string(o.RangeType), string(o.Side), string(o.Unit), o.Ask, o.Bid, o.Spread, o.Volume,
		o.RawProbability, o.CorrectedProbability, o.ForecastTempF, o.ForecastConfidence,
		o.StdDev, o.Edge, o.KellyFraction, o.HoursToResolution,
		o.MarketImpliedMeanF, o.DistToNearEdgeF, o.DistToFarEdgeF, string(reasons), action,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOpportunity: insert %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateOpportunityAction(ctx context.Context, id string, action string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE opportunities SET action = ? WHERE id = ?`, action, id)
	if err != nil {
		return fmt.Errorf("storage.UpdateOpportunityAction: %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStorage) BackfillOpportunityOutcome(ctx context.Context, marketID string, actualTempF float64, won bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET actual_temp_f = ?, won = ? WHERE market_id = ?`,
		actualTempF, boolToInt(won), marketID,
	)
	if err != nil {
		return fmt.Errorf("storage.BackfillOpportunityOutcome: %s: %w", marketID, err)
	}
	return nil
}

// --- Trades ---

func (s *SQLiteStorage) SaveTrade(ctx context.Context, t domain.Trade) error {
	min, max := rangeBounds(t.Range)
	ensemble, err := json.Marshal(t.Ensemble)
	if err != nil {
		return fmt.Errorf("storage.SaveTrade: marshal ensemble: %w", err)
	}
	evalLog, err := json.Marshal(t.EvaluatorLog)
	if err != nil {
		return fmt.Errorf("storage.SaveTrade: marshal evaluator log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trades
			(id, city, target_date, platform, market_id, range_min, range_max, range_type,
			 side, unit, entry_ask, entry_bid, entry_spread, entry_volume, forecast_temp_f,
			 forecast_confidence, std_dev, ensemble, entry_edge, kelly_fraction, reason,
			 entered_at, shares, cost, fees, status, observation_high, wu_high,
			 max_price_seen, min_probability_seen, evaluator_log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.City, t.TargetDate, string(t.Platform), t.MarketID, min, max, string(t.RangeType),
		string(t.Side), string(t.Unit), t.EntryAsk, t.EntryBid, t.EntrySpread, t.EntryVolume, t.ForecastTempF,
		t.ForecastConfidence, t.StdDev, string(ensemble), t.EntryEdge, t.KellyFraction, string(t.Reason),
		t.EnteredAt.UTC(), t.Shares, t.Cost, t.Fees, string(t.Status), t.ObservationHigh, t.WUHigh,
		t.MaxPriceSeen, t.MinProbabilitySeen, string(evalLog),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveTrade: insert %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateTrade(ctx context.Context, t domain.Trade) error {
	ensemble, err := json.Marshal(t.Ensemble)
	if err != nil {
		return fmt.Errorf("storage.UpdateTrade: marshal ensemble: %w", err)
	}
	evalLog, err := json.Marshal(t.EvaluatorLog)
	if err != nil {
		return fmt.Errorf("storage.UpdateTrade: marshal evaluator log: %w", err)
	}
	var won sql.NullInt64
	if t.Won != nil {
		won = sql.NullInt64{Int64: int64(boolToInt(*t.Won)), Valid: true}
	}
	var resolvedAt, exitTime sql.NullTime
	if t.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: t.ResolvedAt.UTC(), Valid: true}
	}
	if t.ExitTime != nil {
		exitTime = sql.NullTime{Time: t.ExitTime.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE trades SET
			status = ?, actual_temp_f = ?, won = ?, pnl = ?, resolved_at = ?, resolution_station = ?,
			exit_reason = ?, exit_time = ?, exit_price = ?, fees = ?,
			observation_high = ?, wu_high = ?, max_price_seen = ?, min_probability_seen = ?,
			ensemble = ?, evaluator_log = ?
		WHERE id = ?
	`,
		string(t.Status), t.ActualTempF, won, t.PnL, resolvedAt, t.ResolutionStation,
		string(t.ExitReason), exitTime, t.ExitPrice, t.Fees,
		t.ObservationHigh, t.WUHigh, t.MaxPriceSeen, t.MinProbabilitySeen,
		string(ensemble), string(evalLog),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateTrade: %s: %w", t.ID, err)
	}
	return nil
}

const tradeSelectCols = `id, city, target_date, platform, market_id, range_min, range_max, range_type,
	side, unit, entry_ask, entry_bid, entry_spread, entry_volume, forecast_temp_f,
	forecast_confidence, std_dev, ensemble, entry_edge, kelly_fraction, reason,
	entered_at, shares, cost, fees, status, actual_temp_f, won, pnl, resolved_at,
	resolution_station, exit_reason, exit_time, exit_price, observation_high, wu_high,
	max_price_seen, min_probability_seen, evaluator_log`

func scanTrade(row interface{ Scan(...any) error }) (domain.Trade, error) {
	var t domain.Trade
	var min, max sql.NullFloat64
	var ensemble, evalLog string
	var won sql.NullInt64
	var actualTempF sql.NullFloat64
	var resolvedAt, exitTime sql.NullTime
	var resolutionStation, exitReason sql.NullString
	var exitPrice sql.NullFloat64

	err := row.Scan(
		&t.ID, &t.City, &t.TargetDate, &t.Platform, &t.MarketID, &min, &max, &t.RangeType,
		&t.Side, &t.Unit, &t.EntryAsk, &t.EntryBid, &t.EntrySpread, &t.EntryVolume, &t.ForecastTempF,
		&t.ForecastConfidence, &t.StdDev, &ensemble, &t.EntryEdge, &t.KellyFraction, &t.Reason,
		&t.EnteredAt, &t.Shares, &t.Cost, &t.Fees, &t.Status, &actualTempF, &won, &t.PnL, &resolvedAt,
		&resolutionStation, &exitReason, &exitTime, &exitPrice, &t.ObservationHigh, &t.WUHigh,
		&t.MaxPriceSeen, &t.MinProbabilitySeen, &evalLog,
	)
	if err != nil {
		return t, err
	}
	t.Range = domain.Range{Min: nullableToRangePtr(min), Max: nullableToRangePtr(max), Type: t.RangeType}
	if actualTempF.Valid {
		t.ActualTempF = actualTempF.Float64
	}
	if won.Valid {
		b := won.Int64 == 1
		t.Won = &b
	}
	if resolvedAt.Valid {
		rt := resolvedAt.Time
		t.ResolvedAt = &rt
	}
	if exitTime.Valid {
		et := exitTime.Time
		t.ExitTime = &et
	}
	t.ResolutionStation = resolutionStation.String
	t.ExitReason = domain.ExitReason(exitReason.String)
	if exitPrice.Valid {
		t.ExitPrice = exitPrice.Float64
	}
	if err := json.Unmarshal([]byte(ensemble), &t.Ensemble); err != nil {
		return t, fmt.Errorf("storage.scanTrade: unmarshal ensemble: %w", err)
	}
	if err := json.Unmarshal([]byte(evalLog), &t.EvaluatorLog); err != nil {
		return t, fmt.Errorf("storage.scanTrade: unmarshal evaluator log: %w", err)
	}
	return t, nil
}

func (s *SQLiteStorage) queryTrades(ctx context.Context, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryTrades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryTrades: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) OpenTrades(ctx context.Context) ([]domain.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE status = ?`, string(domain.TradeOpen))
}

func (s *SQLiteStorage) OpenTradesForCity(ctx context.Context, city string) ([]domain.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE status = ? AND city = ?`,
		string(domain.TradeOpen), city,
	)
}

func (s *SQLiteStorage) FindTradeByDedupKey(ctx context.Context, key string, statuses []domain.TradeStatus) (*domain.Trade, error) {
	trades, err := s.queryTrades(ctx, `SELECT `+tradeSelectCols+` FROM trades`)
	if err != nil {
		return nil, err
	}
	want := make(map[domain.TradeStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	for i := range trades {
		if want[trades[i].Status] && trades[i].DedupKey() == key {
			return &trades[i], nil
		}
	}
	return nil, nil
}

func (s *SQLiteStorage) OpenCostSum(ctx context.Context, side domain.Side) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost) FROM trades WHERE status = ? AND side = ?`,
		string(domain.TradeOpen), string(side),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("storage.OpenCostSum: %w", err)
	}
	return sum.Float64, nil
}

// --- Resolutions ---

func (s *SQLiteStorage) UpsertMarketResolution(ctx context.Context, r domain.MarketResolution) error {
	min, max := rangeBounds(r.WinningRange)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_resolutions (market_id, actual_temp_f, winning_range_min, winning_range_max, resolved_at, resolution_station)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			actual_temp_f = excluded.actual_temp_f,
			winning_range_min = excluded.winning_range_min,
			winning_range_max = excluded.winning_range_max,
			resolved_at = excluded.resolved_at,
			resolution_station = excluded.resolution_station
	`, r.MarketID, r.ActualTempF, min, max, r.ResolvedAt.UTC(), r.ResolutionStation)
	if err != nil {
		return fmt.Errorf("storage.UpsertMarketResolution: %s: %w", r.MarketID, err)
	}
	return nil
}

func (s *SQLiteStorage) MarketResolution(ctx context.Context, marketID string) (*domain.MarketResolution, error) {
	var r domain.MarketResolution
	var min, max sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT market_id, actual_temp_f, winning_range_min, winning_range_max, resolved_at, resolution_station FROM market_resolutions WHERE market_id = ?`,
		marketID,
	).Scan(&r.MarketID, &r.ActualTempF, &min, &max, &r.ResolvedAt, &r.ResolutionStation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.MarketResolution: %s: %w", marketID, err)
	}
	r.WinningRange = domain.Range{Min: nullableToRangePtr(min), Max: nullableToRangePtr(max)}
	return &r, nil
}

// --- Observations ---

func (s *SQLiteStorage) SaveObservation(ctx context.Context, o domain.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (id, city, target_date, observed_at, station_id, temp_f, temp_c, running_high, wu_high, metar_high, observation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.City, o.TargetDate, o.ObservedAt.UTC(), o.StationID, o.TempF, o.TempC, o.RunningHigh, o.WUHigh, o.MetarHigh, o.ObservationCount)
	if err != nil {
		return fmt.Errorf("storage.SaveObservation: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LatestObservation(ctx context.Context, city, targetDate string) (*domain.Observation, error) {
	var o domain.Observation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, city, target_date, observed_at, station_id, temp_f, temp_c, running_high, wu_high, metar_high, observation_count
		FROM observations WHERE city = ? AND target_date = ? ORDER BY observed_at DESC LIMIT 1
	`, city, targetDate).Scan(&o.ID, &o.City, &o.TargetDate, &o.ObservedAt, &o.StationID, &o.TempF, &o.TempC, &o.RunningHigh, &o.WUHigh, &o.MetarHigh, &o.ObservationCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.LatestObservation: %s/%s: %w", city, targetDate, err)
	}
	return &o, nil
}

// --- Forecast samples ---

func (s *SQLiteStorage) SaveForecastSample(ctx context.Context, f domain.ForecastSample) error {
	var actual sql.NullFloat64
	if f.ActualTempF != nil {
		actual = sql.NullFloat64{Float64: *f.ActualTempF, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forecast_samples (id, city, target_date, source, temp_f, fetched_at, actual_temp_f)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.City, f.TargetDate, f.Source, f.TempF, f.FetchedAt.UTC(), actual)
	if err != nil {
		return fmt.Errorf("storage.SaveForecastSample: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) BackfillForecastActuals(ctx context.Context, city, targetDate string, actualTempF float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE forecast_samples SET actual_temp_f = ? WHERE city = ? AND target_date = ? AND actual_temp_f IS NULL`,
		actualTempF, city, targetDate,
	)
	if err != nil {
		return fmt.Errorf("storage.BackfillForecastActuals: %s/%s: %w", city, targetDate, err)
	}
	return nil
}

// SourceAccuracies computes rolling per-source MAE from backfilled samples.
// The window filter runs on fetched_at, so a source only accrues error for
// forecasts it actually issued within the window.
func (s *SQLiteStorage) SourceAccuracies(ctx context.Context, city string, since time.Time) ([]domain.SourceAccuracy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, AVG(ABS(actual_temp_f - temp_f)), COUNT(*)
		FROM forecast_samples
		WHERE city = ? AND fetched_at >= ? AND actual_temp_f IS NOT NULL
		GROUP BY source
	`, city, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage.SourceAccuracies: %s: %w", city, err)
	}
	defer rows.Close()

	var out []domain.SourceAccuracy
	for rows.Next() {
		var a domain.SourceAccuracy
		if err := rows.Scan(&a.Source, &a.MAE, &a.Samples); err != nil {
			return nil, fmt.Errorf("storage.SourceAccuracies: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ForecastSamplesBySource(ctx context.Context, source string, since time.Time) ([]domain.ForecastSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, city, target_date, source, temp_f, fetched_at, actual_temp_f
		FROM forecast_samples WHERE source = ? AND fetched_at >= ?
	`, source, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage.ForecastSamplesBySource: %s: %w", source, err)
	}
	defer rows.Close()

	var out []domain.ForecastSample
	for rows.Next() {
		var f domain.ForecastSample
		var actual sql.NullFloat64
		if err := rows.Scan(&f.ID, &f.City, &f.TargetDate, &f.Source, &f.TempF, &f.FetchedAt, &actual); err != nil {
			return nil, fmt.Errorf("storage.ForecastSamplesBySource: scan: %w", err)
		}
		if actual.Valid {
			v := actual.Float64
			f.ActualTempF = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SavePWSSample(ctx context.Context, p domain.PWSSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pws_samples (id, station_id, city, target_date, observed_at, raw_temp_f, station_bias_f, corrected_temp_f)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.StationID, p.City, p.TargetDate, p.ObservedAt.UTC(), p.RawTempF, p.StationBiasF, p.CorrectedTempF)
	if err != nil {
		return fmt.Errorf("storage.SavePWSSample: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) RecentPWSSamples(ctx context.Context, city, targetDate string, n int) ([]domain.PWSSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, city, target_date, observed_at, raw_temp_f, station_bias_f, corrected_temp_f
		FROM pws_samples WHERE city = ? AND target_date = ? ORDER BY observed_at DESC LIMIT ?
	`, city, targetDate, n)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentPWSSamples: %w", err)
	}
	defer rows.Close()

	var out []domain.PWSSample
	for rows.Next() {
		var p domain.PWSSample
		if err := rows.Scan(&p.ID, &p.StationID, &p.City, &p.TargetDate, &p.ObservedAt, &p.RawTempF, &p.StationBiasF, &p.CorrectedTempF); err != nil {
			return nil, fmt.Errorf("storage.RecentPWSSamples: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Calibration ---

func (s *SQLiteStorage) ReplaceModelCalibration(ctx context.Context, buckets []domain.ModelCalibrationBucket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ReplaceModelCalibration: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM model_calibration`); err != nil {
		return fmt.Errorf("storage.ReplaceModelCalibration: truncate: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO model_calibration (range_type, model_prob_bucket, n, avg_model_prob, actual_win_rate, correction_ratio)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.ReplaceModelCalibration: prepare: %w", err)
	}
	defer stmt.Close()
	for _, b := range buckets {
		if _, err := stmt.ExecContext(ctx, string(b.RangeType), b.ModelProbBucket, b.N, b.AvgModelProb, b.ActualWinRate, b.CorrectionRatio); err != nil {
			return fmt.Errorf("storage.ReplaceModelCalibration: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ReplaceModelCalibration: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReplaceMarketCalibration(ctx context.Context, buckets []domain.MarketCalibrationBucket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ReplaceMarketCalibration: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM market_calibration`); err != nil {
		return fmt.Errorf("storage.ReplaceMarketCalibration: truncate: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_calibration (platform, range_type, lead_time_bucket, price_bucket, n, empirical_win_rate, market_avg_ask, true_edge)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.ReplaceMarketCalibration: prepare: %w", err)
	}
	defer stmt.Close()
	for _, b := range buckets {
		if _, err := stmt.ExecContext(ctx, string(b.Platform), string(b.RangeType), b.LeadTimeBucket, b.PriceBucket, b.N, b.EmpiricalWinRate, b.MarketAvgAsk, b.TrueEdge); err != nil {
			return fmt.Errorf("storage.ReplaceMarketCalibration: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ReplaceMarketCalibration: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReplaceCityErrorDistributions(ctx context.Context, dists []domain.CityErrorDistribution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ReplaceCityErrorDistributions: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM city_error_distribution`); err != nil {
		return fmt.Errorf("storage.ReplaceCityErrorDistributions: truncate: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO city_error_distribution (city, n, mean_error_f, mae_f, std_dev_f, p5, p25, p50, p75, p95)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.ReplaceCityErrorDistributions: prepare: %w", err)
	}
	defer stmt.Close()
	for _, d := range dists {
		if _, err := stmt.ExecContext(ctx, d.City, d.N, d.MeanErrorF, d.MAEF, d.StdDevF, d.P5, d.P25, d.P50, d.P75, d.P95); err != nil {
			return fmt.Errorf("storage.ReplaceCityErrorDistributions: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ReplaceCityErrorDistributions: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ModelCalibrationFor(ctx context.Context, rangeType domain.RangeType, modelProbBucket float64) (*domain.ModelCalibrationBucket, error) {
	var b domain.ModelCalibrationBucket
	err := s.db.QueryRowContext(ctx, `
		SELECT range_type, model_prob_bucket, n, avg_model_prob, actual_win_rate, correction_ratio
		FROM model_calibration WHERE range_type = ? AND model_prob_bucket = ?
	`, string(rangeType), modelProbBucket).Scan(&b.RangeType, &b.ModelProbBucket, &b.N, &b.AvgModelProb, &b.ActualWinRate, &b.CorrectionRatio)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.ModelCalibrationFor: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStorage) MarketCalibrationFor(ctx context.Context, platform domain.Platform, rangeType domain.RangeType, leadTimeBucket int, priceBucket float64) (*domain.MarketCalibrationBucket, error) {
	var b domain.MarketCalibrationBucket
	err := s.db.QueryRowContext(ctx, `
		SELECT platform, range_type, lead_time_bucket, price_bucket, n, empirical_win_rate, market_avg_ask, true_edge
		FROM market_calibration WHERE platform = ? AND range_type = ? AND lead_time_bucket = ? AND price_bucket = ?
	`, string(platform), string(rangeType), leadTimeBucket, priceBucket).Scan(
		&b.Platform, &b.RangeType, &b.LeadTimeBucket, &b.PriceBucket, &b.N, &b.EmpiricalWinRate, &b.MarketAvgAsk, &b.TrueEdge,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.MarketCalibrationFor: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStorage) CityErrorDistribution(ctx context.Context, city string) (*domain.CityErrorDistribution, error) {
	var d domain.CityErrorDistribution
	err := s.db.QueryRowContext(ctx, `
		SELECT city, n, mean_error_f, mae_f, std_dev_f, p5, p25, p50, p75, p95
		FROM city_error_distribution WHERE city = ?
	`, city).Scan(&d.City, &d.N, &d.MeanErrorF, &d.MAEF, &d.StdDevF, &d.P5, &d.P25, &d.P50, &d.P75, &d.P95)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.CityErrorDistribution: %s: %w", city, err)
	}
	return &d, nil
}

func (s *SQLiteStorage) ResolvedOpportunitiesSince(ctx context.Context, since time.Time) ([]domain.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, scanned_at, city, target_date, platform, market_id, range_min, range_max,
		       range_type, side, unit, ask, bid, spread, volume, raw_probability, corrected_probability,
		       forecast_temp_f, forecast_confidence, std_dev, edge, kelly_fraction, hours_to_resolution,
		       market_implied_mean_f, dist_near_edge_f, dist_far_edge_f,
		       filter_reasons, action, actual_temp_f, won
		FROM opportunities WHERE scanned_at >= ? AND actual_temp_f IS NOT NULL
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage.ResolvedOpportunitiesSince: %w", err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		var o domain.Opportunity
		var min, max, actualTempF sql.NullFloat64
		var won sql.NullInt64
		var reasons, action string
		if err := rows.Scan(
			&o.ID, &o.CycleID, &o.ScannedAt, &o.City, &o.TargetDate, &o.Platform, &o.MarketID, &min, &max,
			&o.RangeType, &o.Side, &o.Unit, &o.Ask, &o.Bid, &o.Spread, &o.Volume, &o.RawProbability, &o.CorrectedProbability,
			&o.ForecastTempF, &o.ForecastConfidence, &o.StdDev, &o.Edge, &o.KellyFraction, &o.HoursToResolution,
			&o.MarketImpliedMeanF, &o.DistToNearEdgeF, &o.DistToFarEdgeF,
			&reasons, &action, &actualTempF, &won,
		); err != nil {
			return nil, fmt.Errorf("storage.ResolvedOpportunitiesSince: scan: %w", err)
		}
		o.Range = domain.Range{Min: nullableToRangePtr(min), Max: nullableToRangePtr(max), Type: o.RangeType}
		if err := json.Unmarshal([]byte(reasons), &o.FilterReasons); err != nil {
			return nil, fmt.Errorf("storage.ResolvedOpportunitiesSince: unmarshal reasons: %w", err)
		}
		o.Passed = action == "entered"
		if actualTempF.Valid {
			v := actualTempF.Float64
			o.ActualTempF = &v
		}
		if won.Valid {
			b := won.Int64 == 1
			o.Won = &b
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Materialized views ---

func (s *SQLiteStorage) PerformanceRows(ctx context.Context) ([]domain.PerformanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_key, group_value, trade_count, wins, losses, win_rate, total_pnl, avg_pnl
		FROM performance_mv ORDER BY group_key, group_value
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.PerformanceRows: %w", err)
	}
	defer rows.Close()

	var out []domain.PerformanceRow
	for rows.Next() {
		var p domain.PerformanceRow
		if err := rows.Scan(&p.GroupKey, &p.GroupValue, &p.TradeCount, &p.Wins, &p.Losses, &p.WinRate, &p.TotalPnL, &p.AvgPnL); err != nil {
			return nil, fmt.Errorf("storage.PerformanceRows: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) RefreshMaterializedViews(ctx context.Context) (ports.MVRefreshResult, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM market_outcomes_mv`); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: truncate outcomes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO market_outcomes_mv (market_id, city, target_date, platform, range_min, range_max, actual_temp_f, won, resolved_at, resolution_station)
		SELECT o.market_id, o.city, o.target_date, o.platform, o.range_min, o.range_max, r.actual_temp_f,
		       CASE WHEN o.won = 1 THEN 1 ELSE 0 END, r.resolved_at, r.resolution_station
		FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY market_id ORDER BY scanned_at DESC) rn FROM opportunities WHERE actual_temp_f IS NOT NULL) o
		JOIN market_resolutions r ON r.market_id = o.market_id
		WHERE o.rn = 1
	`); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: populate outcomes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM features_ml_mv`); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: truncate features: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO features_ml_mv (market_id, city, target_date, platform, ask, raw_probability, corrected_probability, edge, forecast_temp_f, forecast_confidence, std_dev, actual_temp_f, won)
		SELECT market_id, city, target_date, platform, ask, raw_probability, corrected_probability, edge, forecast_temp_f, forecast_confidence, std_dev, actual_temp_f,
		       CASE WHEN won = 1 THEN 1 ELSE 0 END
		FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY market_id ORDER BY scanned_at DESC) rn FROM opportunities WHERE side = 'YES' AND won IS NOT NULL)
		WHERE rn = 1
	`); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: populate features: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM performance_mv`); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: truncate performance: %w", err)
	}
	for _, dim := range []string{"city", "platform", "reason", "side"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO performance_mv (group_key, group_value, trade_count, wins, losses, win_rate, total_pnl, avg_pnl)
			SELECT '%[1]s', %[1]s, COUNT(*),
			       SUM(CASE WHEN won = 1 THEN 1 ELSE 0 END),
			       SUM(CASE WHEN won = 0 THEN 1 ELSE 0 END),
			       AVG(CASE WHEN won = 1 THEN 1.0 ELSE 0.0 END),
			       SUM(pnl), AVG(pnl)
			FROM trades WHERE status = 'resolved' GROUP BY %[1]s
		`, dim)); err != nil {
			return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: populate performance (%s): %w", dim, err)
		}
	}

	var outcomeRows, featureRows, perfRows int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM market_outcomes_mv`).Scan(&outcomeRows); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: count outcomes: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM features_ml_mv`).Scan(&featureRows); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: count features: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM performance_mv`).Scan(&perfRows); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: count performance: %w", err)
	}

	dur := time.Since(start)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mv_refresh_log (refreshed_at, market_outcomes_rows, features_ml_rows, performance_rows, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC(), outcomeRows, featureRows, perfRows, dur.Milliseconds()); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ports.MVRefreshResult{}, fmt.Errorf("storage.RefreshMaterializedViews: commit: %w", err)
	}
	return ports.MVRefreshResult{MarketOutcomesRows: outcomeRows, FeaturesMLRows: featureRows, PerformanceRows: perfRows, Duration: dur}, nil
}

var _ ports.Storage = (*SQLiteStorage)(nil)
