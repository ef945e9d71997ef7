package ports

import (
	"context"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// ForecastSource is one weather-forecast provider in the ensemble (spec §6:
// global no-key source, region-restricted authoritative source, commercial
// source, ensemble-member source). Each call carries its own timeout.
type ForecastSource interface {
	Name() string
	Forecast(ctx context.Context, city domain.City, targetDate string) (domain.SourceForecast, error)
}

// ObservationSource is one ground-truth observation provider, polymorphic
// over authoritative stations (METAR/climatological) vs personal stations
// (spec §9 "fetchCurrent, fetchHistorical, leadTimeModel").
type ObservationSource interface {
	Name() string
	Authoritative() bool
	CurrentHigh(ctx context.Context, city domain.City, targetDate string) (tempF float64, observedAt string, err error)
}

// PWSStationReading is one personal-weather-station poll.
type PWSStationReading struct {
	StationID  string
	TempF      float64
	ObservedAt time.Time
}

// PWSClient fetches individual personal-weather-station readings, one
// station at a time — distinct from ObservationSource because the
// corrected-median guaranteed-win signal (spec §4.8) needs per-station raw
// readings, not a pre-aggregated city-level value.
type PWSClient interface {
	FetchStation(ctx context.Context, stationID string) (PWSStationReading, error)
}
