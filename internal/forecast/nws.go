package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// NWS is the region-restricted authoritative forecast source (spec §6: "one
// region-restricted authoritative forecast/observation source, different
// stations than the commercial source"). Used both for forecasting and,
// separately, as one platform's resolution source.
type NWS struct {
	http    *http.Client
	baseURL string
}

func NewNWS(baseURL string) *NWS {
	if baseURL == "" {
		baseURL = "https://api.weather.gov"
	}
	return &NWS{http: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL}
}

func (n *NWS) Name() string { return "nws" }

type nwsPointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type nwsForecastResponse struct {
	Properties struct {
		Periods []struct {
			StartTime   string `json:"startTime"`
			Temperature float64 `json:"temperature"`
			IsDaytime   bool    `json:"isDaytime"`
		} `json:"periods"`
	} `json:"properties"`
}

// Forecast resolves the gridpoint forecast URL for (lat,lon), then picks the
// daytime period whose date matches targetDate. NWS always reports °F.
func (n *NWS) Forecast(ctx context.Context, city domain.City, targetDate string) (domain.SourceForecast, error) {
	pointsURL := fmt.Sprintf("%s/points/%.4f,%.4f", n.baseURL, city.Latitude, city.Longitude)
	var points nwsPointsResponse
	if err := n.getJSON(ctx, pointsURL, &points); err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.NWS: points lookup: %w", err)
	}
	if points.Properties.Forecast == "" {
		return domain.SourceForecast{}, fmt.Errorf("forecast.NWS: no gridpoint forecast for %s", city.Name)
	}

	var fc nwsForecastResponse
	if err := n.getJSON(ctx, points.Properties.Forecast, &fc); err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.NWS: fetch periods: %w", err)
	}

	for _, p := range fc.Properties.Periods {
		if !p.IsDaytime {
			continue
		}
		if len(p.StartTime) >= 10 && p.StartTime[:10] == targetDate {
			return domain.SourceForecast{Source: n.Name(), TempF: p.Temperature, FetchedAt: time.Now().UTC()}, nil
		}
	}
	return domain.SourceForecast{}, fmt.Errorf("forecast.NWS: no daytime period for %s", targetDate)
}

func (n *NWS) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/ld+json")
	req.Header.Set("User-Agent", "wxtrader (weather-markets-engine)")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
