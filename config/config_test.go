package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "storage:\n  dsn: ':memory:'\n"))
	require.NoError(t, err)

	require.Equal(t, 5, cfg.Scheduling.ScanIntervalMinutes)
	require.Equal(t, 0.04, cfg.Filters.MinEdgePct)
	require.Equal(t, 0.5, cfg.Sizing.KellyFraction)
	require.Equal(t, 2.0, cfg.Calibration.MaxCorrectionRatio)
	require.Equal(t, 0.5, cfg.Observation.MetarOnlyMinGapF)
	require.Equal(t, 1.5, cfg.Observation.MetarOnlyMinGapC)
	require.Equal(t, 1, cfg.Observation.PWSConfirmPolls)
	require.Equal(t, "time_factor", cfg.Sizing.ObservationSizingModel)
	require.NotEmpty(t, cfg.Cities, "default city table fills in when none configured")
}

func TestLoadOverridesFromYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
scheduling:
  scan_interval_minutes: 2
filters:
  min_edge_pct: 0.07
sizing:
  observation_sizing_model: ask_factor
monitor:
  active_signals: [guaranteed_win, guaranteed_loss]
cities:
  - name: New York
    timezone_id: America/New_York
    unit: F
    polymarket_station: KNYC
    nws_station: KNYC
`))
	require.NoError(t, err)

	require.Equal(t, 2*time.Minute, cfg.Scheduling.ScanInterval())
	require.Equal(t, 0.07, cfg.Filters.MinEdgePct)
	require.Equal(t, "ask_factor", cfg.Sizing.ObservationSizingModel)
	require.Len(t, cfg.Cities, 1)
	require.Equal(t, "US", cfg.Cities[0].CountryCode, "country code defaults per city")

	require.True(t, cfg.Monitor.SignalActive("guaranteed_win"))
	require.False(t, cfg.Monitor.SignalActive("edge_gone"))
}

func TestSignalActiveDefaultsToAll(t *testing.T) {
	var m MonitorConfig
	require.True(t, m.SignalActive("take_profit"))
}

func TestMinGapForPlatform(t *testing.T) {
	o := ObservationConfig{MetarOnlyMinGapF: 0.5, MetarOnlyMinGapC: 1.5}
	require.Equal(t, 0.5, o.MinGapFor("polymarket"))
	require.Equal(t, 1.5, o.MinGapFor("kalshi"))
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestInPeakHours(t *testing.T) {
	c := CityConfig{Name: "New York", TimezoneID: "America/New_York", PeakHourStart: 12, PeakHourEnd: 17}

	// 15:00 New York local in February is 20:00 UTC.
	require.True(t, c.InPeakHours(time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)))
	// 08:00 local is outside the window.
	require.False(t, c.InPeakHours(time.Date(2026, 2, 14, 13, 0, 0, 0, time.UTC)))
}
