// Package config loads the engine's YAML configuration, grouped by concern
// the way spec §6 names them: scheduling, filters, calibration, sizing,
// observation path, forecasts, and per-city data.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Scheduling  SchedulingConfig  `yaml:"scheduling"`
	Filters     FilterConfig      `yaml:"filters"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Observation ObservationConfig `yaml:"observation"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Forecast    ForecastConfig    `yaml:"forecast"`
	Cities      []CityConfig      `yaml:"cities"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Alert       AlertConfig       `yaml:"alert"`
	Log         LogConfig         `yaml:"log"`
}

// SchedulingConfig controls the coordinator's cycle and fast-loop cadence.
type SchedulingConfig struct {
	ScanIntervalMinutes              int `yaml:"scan_interval_minutes"`
	ObservationPollIntervalSeconds   int `yaml:"observation_poll_interval_seconds"`
	ObservationPollIntervalPeakSecs  int `yaml:"observation_poll_interval_peak_seconds"`
	GuaranteedWinScanIntervalSeconds int `yaml:"guaranteed_win_scan_interval_seconds"`
}

func (s SchedulingConfig) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalMinutes) * time.Minute
}

func (s SchedulingConfig) ObservationPollInterval(anyCityPeakHours bool) time.Duration {
	if anyCityPeakHours && s.ObservationPollIntervalPeakSecs > 0 {
		return time.Duration(s.ObservationPollIntervalPeakSecs) * time.Second
	}
	return time.Duration(s.ObservationPollIntervalSeconds) * time.Second
}

func (s SchedulingConfig) GuaranteedWinScanInterval() time.Duration {
	return time.Duration(s.GuaranteedWinScanIntervalSeconds) * time.Second
}

// FilterConfig holds the scanner filter chain's thresholds (spec §4.4, §6).
type FilterConfig struct {
	MinEdgePct          float64 `yaml:"min_edge_pct"`
	MaxSpread           float64 `yaml:"max_spread"`
	MaxSpreadPct        float64 `yaml:"max_spread_pct"`
	MinAskYes           float64 `yaml:"min_ask_yes"`
	MinAskNo            float64 `yaml:"min_ask_no"`
	MaxAskNo            float64 `yaml:"max_ask_no"`
	MinHoursToResolution float64 `yaml:"min_hours_to_resolution"`
	MaxModelMarketRatio float64 `yaml:"max_model_market_ratio"`
	MaxMarketDivergence float64 `yaml:"max_market_divergence"`
	MaxStdRangeRatio    float64 `yaml:"max_std_range_ratio"`

	// CityMAECeilingBounded/Unbounded gate city_mae_gate: bounded ranges
	// demand tighter accuracy than unbounded (spec §4.4 step 5).
	CityMAECeilingBounded   float64 `yaml:"city_mae_ceiling_bounded"`
	CityMAECeilingUnbounded float64 `yaml:"city_mae_ceiling_unbounded"`

	// ObservationBoundaryBufferF is the "about-to-tip" buffer in degrees F
	// used by the observation_boundary filter (spec §4.4 step 10).
	ObservationBoundaryBufferF float64 `yaml:"observation_boundary_buffer_f"`

	// DisabledPlatforms lists venues scanned for calibration only — their
	// markets are logged but never entered (spec §4.4 step 1).
	DisabledPlatforms []string `yaml:"disabled_platforms"`
}

// PlatformDisabled reports whether trading is switched off for a venue.
func (f FilterConfig) PlatformDisabled(platform string) bool {
	for _, p := range f.DisabledPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// CalibrationConfig holds the bucket-confirmation/blocking thresholds
// shared by the scanner's calConfirmsEdge bypass and the monitor's
// edgeBypass suppression (spec §4.4, §4.6, §9).
type CalibrationConfig struct {
	CalBlocksMinN     int     `yaml:"cal_blocks_min_n"`
	CalConfirmsMinN   int     `yaml:"cal_confirms_min_n"`
	CalMinTradeEdge   float64 `yaml:"cal_min_trade_edge"`
	MaxCorrectionRatio float64 `yaml:"max_correction_ratio"`
}

// SizingConfig holds the executor's bankroll/Kelly/gate parameters (spec §4.5, §6).
type SizingConfig struct {
	KellyFraction       float64 `yaml:"kelly_fraction"`
	YesBankroll         float64 `yaml:"yes_bankroll"`
	NoBankroll          float64 `yaml:"no_bankroll"`
	NoMaxPerDate        float64 `yaml:"no_max_per_date"`
	MaxBankrollPct      float64 `yaml:"max_bankroll_pct"`
	MinBet              float64 `yaml:"min_bet"`
	MaxVolumePct        float64 `yaml:"max_volume_pct"`
	HardRejectVolumePct float64 `yaml:"hard_reject_volume_pct"`

	// ObservationSizingModel picks between the "time_factor" and
	// "ask_factor" PWS sizing formulas (spec §9 open question 2).
	ObservationSizingModel string `yaml:"observation_sizing_model"`

	// GWBankroll is the smaller isolated paper bankroll METAR-confirmed
	// guaranteed-win entries size from, kept separate so the fast path's
	// exposure never leans on the edge-trade bankrolls (spec §4.5).
	GWBankroll     float64 `yaml:"gw_bankroll"`
	MetarGWFlatPct float64 `yaml:"metar_gw_flat_pct"`
}

// ObservationConfig holds the fast-path guaranteed-win parameters (spec §4.8, §6).
type ObservationConfig struct {
	MinMarginCents      float64 `yaml:"min_margin_cents"`
	MaxAsk              float64 `yaml:"max_ask"`
	MinAsk              float64 `yaml:"min_ask"`
	MinAskDualConfirmed float64 `yaml:"min_ask_dual_confirmed"`
	MaxBankrollPctGW    float64 `yaml:"max_bankroll_pct_gw"`

	MetarOnlyMinGapF float64 `yaml:"metar_only_min_gap_f"`
	MetarOnlyMinGapC float64 `yaml:"metar_only_min_gap_c"`

	PWSGW PWSGuaranteedWinConfig `yaml:"pws_gw"`

	// PWSConfirmPolls is the spec §9 open question 1 decision: how many
	// consecutive confirming polls a PWS spike needs before it's treated as
	// a guaranteed_win_pws signal. Defaults to 1 (single-spike), matching
	// the observed source behavior.
	PWSConfirmPolls int `yaml:"pws_confirm_polls"`
}

// MinGapFor returns how far past a range boundary the observed high must
// sit before the fast path trusts the outcome on the given platform (spec
// §4.8). Polymarket's resolution report tracks the METAR station the
// observations come from, so half a degree of margin suffices; Kalshi's
// commercial resolution source can diverge from METAR, so it demands the
// wider gap.
func (o ObservationConfig) MinGapFor(platform string) float64 {
	if platform == "kalshi" {
		return o.MetarOnlyMinGapC
	}
	return o.MetarOnlyMinGapF
}

// PWSGuaranteedWinConfig holds personal-weather-station sizing parameters.
type PWSGuaranteedWinConfig struct {
	MaxAvgCorrectedError float64 `yaml:"max_avg_corrected_error"`
	MinConfidenceFactor  float64 `yaml:"min_confidence_factor"`
	TimeFullHours        float64 `yaml:"time_full_hours"`
	TimeReducedHours     float64 `yaml:"time_reduced_hours"`
}

// MonitorConfig holds the open-trade exit evaluators' thresholds (spec §4.6).
type MonitorConfig struct {
	GuaranteedBoundaryF float64 `yaml:"guaranteed_boundary_f"` // margin beyond the range edge to call a running high decisive
	EdgeGoneMinEdge     float64 `yaml:"edge_gone_min_edge"`    // re-evaluated edge floor below which the trade's thesis has evaporated

	// Take-profit bid thresholds are tiered on entry price: a longshot that
	// has already repriced most of the way to certainty exits earlier than
	// a favorite that entered there (spec §4.6 step 4). The tier cut
	// points are entry asks; the bid thresholds must all clear the fee
	// guard bid×(1−fee) > entry_ask to fire.
	TakeProfitLongshotMaxEntry float64 `yaml:"take_profit_longshot_max_entry"`
	TakeProfitMidMaxEntry      float64 `yaml:"take_profit_mid_max_entry"`
	TakeProfitLongshotBid      float64 `yaml:"take_profit_longshot_bid"`
	TakeProfitMidBid           float64 `yaml:"take_profit_mid_bid"`
	TakeProfitFavoriteBid      float64 `yaml:"take_profit_favorite_bid"`

	// ActiveSignals lists the exit signals allowed to actually close
	// trades; signals not listed are evaluated and logged only (spec §9
	// "signal bus"). Empty means all four are active.
	ActiveSignals []string `yaml:"active_signals"`
}

// SignalActive reports whether the named exit signal may close trades.
func (m MonitorConfig) SignalActive(signal string) bool {
	if len(m.ActiveSignals) == 0 {
		return true
	}
	for _, s := range m.ActiveSignals {
		if s == signal {
			return true
		}
	}
	return false
}

// ForecastConfig holds source-weighting/demotion and city-eligibility
// parameters (spec §4.3, §6).
type ForecastConfig struct {
	MinSamplesForWeight      int     `yaml:"min_samples_for_weight"`
	HardDemotionMAEFahrenheit float64 `yaml:"hard_demotion_mae_f"`
	HardDemotionMAECelsius   float64 `yaml:"hard_demotion_mae_c"`
	RelativeDemotionFactor   float64 `yaml:"relative_demotion_factor"`
	SoftDemotionWeightCap    float64 `yaml:"soft_demotion_weight_cap"`
	MinActiveSources         int     `yaml:"min_active_sources"`
	KalshiResolutionBoost    float64 `yaml:"kalshi_resolution_boost"`
	PooledStdDevF            float64 `yaml:"pooled_std_dev_f"`
	MinSamplesForCityStdDev  int     `yaml:"min_samples_for_city_std_dev"`
	DualStationDemotionFactor float64 `yaml:"dual_station_demotion_factor"`
}

// CityConfig is one city's static configuration (spec §3, §6 "Per-city").
type CityConfig struct {
	Name              string   `yaml:"name"`
	TimezoneID        string   `yaml:"timezone_id"`
	Latitude          float64  `yaml:"latitude"`
	Longitude         float64  `yaml:"longitude"`
	Unit              string   `yaml:"unit"`
	PolymarketStation string   `yaml:"polymarket_station"`
	NWSStation        string   `yaml:"nws_station"`
	CountryCode       string   `yaml:"country_code"` // ISO country code for the commercial observations API, e.g. "US", "CA"
	PWSStationIDs     []string `yaml:"pws_station_ids"`
	KalshiBlocked     bool     `yaml:"kalshi_blocked"`
	KalshiNWSPriority bool     `yaml:"kalshi_nws_priority"`
	PeakHourStart     int      `yaml:"peak_hour_start"` // city-local hour, inclusive
	PeakHourEnd       int      `yaml:"peak_hour_end"`   // city-local hour, exclusive
}

// APIConfig holds optional base URL overrides and API keys for weather/market sources.
type APIConfig struct {
	PolymarketBase string `yaml:"polymarket_base"`
	KalshiBase     string `yaml:"kalshi_base"`
	NWSBase        string `yaml:"nws_base"`
	CommercialKey  string `yaml:"commercial_key"` // optional key for the commercial forecast source
	ObsAPIKey      string `yaml:"obs_api_key"`    // commercial observations API key (historical + PWS)
}

// StorageConfig controls where data is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// AlertConfig controls the alert sink's transport and rate limit.
type AlertConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	QueueRatePerSec float64 `yaml:"queue_rate_per_sec"` // spec §6: "1 per 10s typical"
}

// LogConfig controls logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML config file, overlays a .env file if present, applies
// env-var overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // silently ignored if no .env present

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Alert.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Alert.TelegramChatID = v
	}
	if v := os.Getenv("COMMERCIAL_WEATHER_KEY"); v != "" {
		cfg.API.CommercialKey = v
	}
	if v := os.Getenv("OBSERVATIONS_API_KEY"); v != "" {
		cfg.API.ObsAPIKey = v
	}
}

// setDefaults fills every numeric default named in spec §6/§9.
func setDefaults(cfg *Config) {
	for i := range cfg.Cities {
		if cfg.Cities[i].CountryCode == "" {
			cfg.Cities[i].CountryCode = "US"
		}
	}
	if cfg.Scheduling.ScanIntervalMinutes <= 0 {
		cfg.Scheduling.ScanIntervalMinutes = 5
	}
	if cfg.Scheduling.ObservationPollIntervalSeconds <= 0 {
		cfg.Scheduling.ObservationPollIntervalSeconds = 30
	}
	if cfg.Scheduling.ObservationPollIntervalPeakSecs <= 0 {
		cfg.Scheduling.ObservationPollIntervalPeakSecs = 10
	}
	if cfg.Scheduling.GuaranteedWinScanIntervalSeconds <= 0 {
		cfg.Scheduling.GuaranteedWinScanIntervalSeconds = 15
	}

	if cfg.Filters.MinEdgePct <= 0 {
		cfg.Filters.MinEdgePct = 0.04
	}
	if cfg.Filters.MaxSpread <= 0 {
		cfg.Filters.MaxSpread = 0.08
	}
	if cfg.Filters.MaxSpreadPct <= 0 {
		cfg.Filters.MaxSpreadPct = 0.15
	}
	if cfg.Filters.MinAskYes <= 0 {
		cfg.Filters.MinAskYes = 0.03
	}
	if cfg.Filters.MinAskNo <= 0 {
		cfg.Filters.MinAskNo = 0.20
	}
	if cfg.Filters.MaxAskNo <= 0 {
		cfg.Filters.MaxAskNo = 0.30
	}
	if cfg.Filters.MinHoursToResolution <= 0 {
		cfg.Filters.MinHoursToResolution = 2
	}
	if cfg.Filters.MaxModelMarketRatio <= 0 {
		cfg.Filters.MaxModelMarketRatio = 2.5
	}
	if cfg.Filters.MaxMarketDivergence <= 0 {
		cfg.Filters.MaxMarketDivergence = 4.0
	}
	if cfg.Filters.MaxStdRangeRatio <= 0 {
		cfg.Filters.MaxStdRangeRatio = 3.0
	}
	if cfg.Filters.CityMAECeilingBounded <= 0 {
		cfg.Filters.CityMAECeilingBounded = 2.5
	}
	if cfg.Filters.CityMAECeilingUnbounded <= 0 {
		cfg.Filters.CityMAECeilingUnbounded = 4.0
	}
	if cfg.Filters.ObservationBoundaryBufferF <= 0 {
		cfg.Filters.ObservationBoundaryBufferF = 0.5
	}

	if cfg.Calibration.CalBlocksMinN <= 0 {
		cfg.Calibration.CalBlocksMinN = 30
	}
	if cfg.Calibration.CalConfirmsMinN <= 0 {
		cfg.Calibration.CalConfirmsMinN = 50
	}
	if cfg.Calibration.CalMinTradeEdge <= 0 {
		cfg.Calibration.CalMinTradeEdge = 0.03
	}
	if cfg.Calibration.MaxCorrectionRatio <= 0 {
		cfg.Calibration.MaxCorrectionRatio = 2.0
	}

	if cfg.Sizing.KellyFraction <= 0 {
		cfg.Sizing.KellyFraction = 0.5
	}
	if cfg.Sizing.YesBankroll <= 0 {
		cfg.Sizing.YesBankroll = 1000
	}
	if cfg.Sizing.NoBankroll <= 0 {
		cfg.Sizing.NoBankroll = 500
	}
	if cfg.Sizing.NoMaxPerDate <= 0 {
		cfg.Sizing.NoMaxPerDate = 100
	}
	if cfg.Sizing.MaxBankrollPct <= 0 {
		cfg.Sizing.MaxBankrollPct = 0.10
	}
	if cfg.Sizing.MinBet <= 0 {
		cfg.Sizing.MinBet = 5
	}
	if cfg.Sizing.MaxVolumePct <= 0 {
		cfg.Sizing.MaxVolumePct = 0.05
	}
	if cfg.Sizing.HardRejectVolumePct <= 0 {
		cfg.Sizing.HardRejectVolumePct = 0.15
	}
	if cfg.Sizing.ObservationSizingModel == "" {
		cfg.Sizing.ObservationSizingModel = "time_factor"
	}
	if cfg.Sizing.GWBankroll <= 0 {
		cfg.Sizing.GWBankroll = 200
	}
	if cfg.Sizing.MetarGWFlatPct <= 0 {
		cfg.Sizing.MetarGWFlatPct = 0.10
	}

	if cfg.Observation.MinMarginCents <= 0 {
		cfg.Observation.MinMarginCents = 2
	}
	if cfg.Observation.MaxAsk <= 0 {
		cfg.Observation.MaxAsk = 0.97
	}
	if cfg.Observation.MinAsk <= 0 {
		cfg.Observation.MinAsk = 0.55
	}
	if cfg.Observation.MinAskDualConfirmed <= 0 {
		cfg.Observation.MinAskDualConfirmed = 0.50
	}
	if cfg.Observation.MaxBankrollPctGW <= 0 {
		cfg.Observation.MaxBankrollPctGW = 0.15
	}
	if cfg.Observation.MetarOnlyMinGapF <= 0 {
		cfg.Observation.MetarOnlyMinGapF = 0.5
	}
	if cfg.Observation.MetarOnlyMinGapC <= 0 {
		cfg.Observation.MetarOnlyMinGapC = 1.5
	}
	if cfg.Observation.PWSGW.MaxAvgCorrectedError <= 0 {
		cfg.Observation.PWSGW.MaxAvgCorrectedError = 2.0
	}
	if cfg.Observation.PWSGW.MinConfidenceFactor <= 0 {
		cfg.Observation.PWSGW.MinConfidenceFactor = 0.25
	}
	if cfg.Observation.PWSGW.TimeFullHours <= 0 {
		cfg.Observation.PWSGW.TimeFullHours = 12
	}
	if cfg.Observation.PWSGW.TimeReducedHours <= 0 {
		cfg.Observation.PWSGW.TimeReducedHours = 16
	}
	if cfg.Observation.PWSConfirmPolls <= 0 {
		cfg.Observation.PWSConfirmPolls = 1
	}

	if cfg.Monitor.GuaranteedBoundaryF <= 0 {
		cfg.Monitor.GuaranteedBoundaryF = 0.5
	}
	if cfg.Monitor.EdgeGoneMinEdge <= 0 {
		cfg.Monitor.EdgeGoneMinEdge = 0.02
	}
	if cfg.Monitor.TakeProfitLongshotMaxEntry <= 0 {
		cfg.Monitor.TakeProfitLongshotMaxEntry = 0.30
	}
	if cfg.Monitor.TakeProfitMidMaxEntry <= 0 {
		cfg.Monitor.TakeProfitMidMaxEntry = 0.60
	}
	if cfg.Monitor.TakeProfitLongshotBid <= 0 {
		cfg.Monitor.TakeProfitLongshotBid = 0.80
	}
	if cfg.Monitor.TakeProfitMidBid <= 0 {
		cfg.Monitor.TakeProfitMidBid = 0.90
	}
	if cfg.Monitor.TakeProfitFavoriteBid <= 0 {
		cfg.Monitor.TakeProfitFavoriteBid = 0.97
	}

	if cfg.Forecast.MinSamplesForWeight <= 0 {
		cfg.Forecast.MinSamplesForWeight = 5
	}
	if cfg.Forecast.HardDemotionMAEFahrenheit <= 0 {
		cfg.Forecast.HardDemotionMAEFahrenheit = 6.0
	}
	if cfg.Forecast.HardDemotionMAECelsius <= 0 {
		cfg.Forecast.HardDemotionMAECelsius = 3.3
	}
	if cfg.Forecast.RelativeDemotionFactor <= 0 {
		cfg.Forecast.RelativeDemotionFactor = 2.5
	}
	if cfg.Forecast.SoftDemotionWeightCap <= 0 {
		cfg.Forecast.SoftDemotionWeightCap = 0.1
	}
	if cfg.Forecast.MinActiveSources <= 0 {
		cfg.Forecast.MinActiveSources = 2
	}
	if cfg.Forecast.KalshiResolutionBoost <= 0 {
		cfg.Forecast.KalshiResolutionBoost = 1.5
	}
	if cfg.Forecast.PooledStdDevF <= 0 {
		cfg.Forecast.PooledStdDevF = 3.0
	}
	if cfg.Forecast.MinSamplesForCityStdDev <= 0 {
		cfg.Forecast.MinSamplesForCityStdDev = 20
	}
	if cfg.Forecast.DualStationDemotionFactor <= 0 {
		cfg.Forecast.DualStationDemotionFactor = 1.25
	}

	if cfg.API.PolymarketBase == "" {
		cfg.API.PolymarketBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.KalshiBase == "" {
		cfg.API.KalshiBase = "https://trading-api.kalshi.com/trade-api/v2"
	}
	if cfg.API.NWSBase == "" {
		cfg.API.NWSBase = "https://api.weather.gov"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "wxtrader.db"
	}
	if cfg.Alert.QueueRatePerSec <= 0 {
		cfg.Alert.QueueRatePerSec = 0.1 // one per 10s, spec §6
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if len(cfg.Cities) == 0 {
		cfg.Cities = DefaultCities()
	}
}
