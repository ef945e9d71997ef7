package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// climateReportHour is the earliest city-local hour the NWS climatological
// report for the previous day is reliably published.
const climateReportHour = 7

// NWSClimate resolves Polymarket-style markets against the region-restricted
// authoritative source's daily climate summary (spec §6: "nws_climatological_report").
type NWSClimate struct {
	http    *http.Client
	baseURL string
}

func NewNWSClimate(baseURL string) *NWSClimate {
	if baseURL == "" {
		baseURL = "https://api.weather.gov"
	}
	return &NWSClimate{http: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL}
}

func (n *NWSClimate) Platform() domain.Platform { return domain.PlatformPolymarket }

type nwsObservation struct {
	Properties struct {
		Timestamp   string `json:"timestamp"`
		Temperature struct {
			Value *float64 `json:"value"` // Celsius
		} `json:"temperature"`
	} `json:"properties"`
}

type nwsObservationsResponse struct {
	Features []nwsObservation `json:"features"`
}

// Resolve returns the previous day's authoritative high once the climate
// report's publication hour has passed in the city's local time.
func (n *NWSClimate) Resolve(ctx context.Context, station, countryCode, targetDate string, loc *time.Location, now time.Time) (float64, error) {
	if now.In(loc).Hour() < climateReportHour {
		return 0, ErrNotYetAvailable
	}

	start, err := time.ParseInLocation("2006-01-02", targetDate, loc)
	if err != nil {
		return 0, fmt.Errorf("resolver.NWSClimate: bad target date %q: %w", targetDate, err)
	}
	end := start.Add(24 * time.Hour)

	url := fmt.Sprintf("%s/stations/%s/observations?start=%s&end=%s", n.baseURL, station, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "wxtrader (weather-markets-engine)")
	resp, err := n.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("resolver.NWSClimate: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("resolver.NWSClimate: status %d", resp.StatusCode)
	}

	var data nwsObservationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, fmt.Errorf("resolver.NWSClimate: decode: %w", err)
	}

	var high float64
	found := false
	for _, f := range data.Features {
		if f.Properties.Temperature.Value == nil {
			continue
		}
		tempF := *f.Properties.Temperature.Value*9/5 + 32
		if !found || tempF > high {
			high = tempF
		}
		found = true
	}
	if !found {
		return 0, ErrNotYetAvailable
	}
	return high, nil
}

// WUHistorical resolves Kalshi-style markets against the commercial
// historical-observations API's daily max_temp (spec §6: "historical_observations_api").
type WUHistorical struct {
	client interface {
		HistoricalMaxTemp(ctx context.Context, station, isoCountryCode, date string, unit domain.Unit) (float64, error)
	}
}

func NewWUHistorical(client interface {
	HistoricalMaxTemp(ctx context.Context, station, isoCountryCode, date string, unit domain.Unit) (float64, error)
}) *WUHistorical {
	return &WUHistorical{client: client}
}

func (w *WUHistorical) Platform() domain.Platform { return domain.PlatformKalshi }

// Resolve returns the previous day's historical high once the commercial
// API's day is final — it returns data immediately for a fully elapsed day,
// so no local-hour gate is needed here the way NWSClimate needs one.
func (w *WUHistorical) Resolve(ctx context.Context, station, countryCode, targetDate string, loc *time.Location, now time.Time) (float64, error) {
	high, err := w.client.HistoricalMaxTemp(ctx, station, countryCode, targetDate, domain.UnitFahrenheit)
	if err != nil {
		return 0, ErrNotYetAvailable
	}
	return high, nil
}

// ErrNotYetAvailable is returned by both sources when the
// authoritative day isn't final yet; the caller (package resolver) retries
// next cycle rather than falling back to a different source.
var ErrNotYetAvailable = fmt.Errorf("resolver: resolution not yet available")
