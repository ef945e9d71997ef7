// Package forecast builds the MAE-weighted ensemble forecast distribution
// the scanner and monitor price ranges against.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// OpenMeteo is the free, no-key global forecast source (spec §6).
type OpenMeteo struct {
	http    *http.Client
	baseURL string
}

func NewOpenMeteo() *OpenMeteo {
	return &OpenMeteo{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.open-meteo.com/v1",
	}
}

func (o *OpenMeteo) Name() string { return "open_meteo" }

type openMeteoResponse struct {
	Daily struct {
		Time           []string  `json:"time"`
		TemperatureMax []float64 `json:"temperature_2m_max"`
	} `json:"daily"`
}

// Forecast fetches the daily high for (city, targetDate), converting to the
// city's configured unit.
func (o *OpenMeteo) Forecast(ctx context.Context, city domain.City, targetDate string) (domain.SourceForecast, error) {
	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%.4f", city.Latitude))
	params.Set("longitude", fmt.Sprintf("%.4f", city.Longitude))
	params.Set("daily", "temperature_2m_max")
	params.Set("temperature_unit", unitParam(city.Unit))
	params.Set("timezone", city.TimezoneID)
	params.Set("forecast_days", "7")

	endpoint := fmt.Sprintf("%s/forecast?%s", o.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.OpenMeteo: build request: %w", err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.OpenMeteo: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.SourceForecast{}, fmt.Errorf("forecast.OpenMeteo: status %d", resp.StatusCode)
	}

	var data openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.OpenMeteo: decode: %w", err)
	}
	for i, d := range data.Daily.Time {
		if d == targetDate && i < len(data.Daily.TemperatureMax) {
			return domain.SourceForecast{
				Source:    o.Name(),
				TempF:     toFahrenheit(data.Daily.TemperatureMax[i], city.Unit),
				FetchedAt: time.Now().UTC(),
			}, nil
		}
	}
	return domain.SourceForecast{}, fmt.Errorf("forecast.OpenMeteo: no forecast for %s", targetDate)
}

func unitParam(u domain.Unit) string {
	if u == domain.UnitCelsius {
		return "celsius"
	}
	return "fahrenheit"
}

func toFahrenheit(temp float64, unit domain.Unit) float64 {
	if unit == domain.UnitCelsius {
		return temp*9/5 + 32
	}
	return temp
}
