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

// Commercial is the optional-key commercial forecast source (spec §6: "one
// commercial forecast source (optional key)"). Skipped entirely — by
// returning an error the engine's graceful-degradation path drops — when no
// key is configured.
type Commercial struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewCommercial(baseURL, apiKey string) *Commercial {
	if baseURL == "" {
		baseURL = "https://api.tomorrow.io/v4"
	}
	return &Commercial{http: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL, apiKey: apiKey}
}

func (c *Commercial) Name() string { return "commercial" }

type commercialResponse struct {
	Timelines struct {
		Daily []struct {
			Time   string `json:"time"`
			Values struct {
				TemperatureMax float64 `json:"temperatureMax"`
			} `json:"values"`
		} `json:"daily"`
	} `json:"timelines"`
}

func (c *Commercial) Forecast(ctx context.Context, city domain.City, targetDate string) (domain.SourceForecast, error) {
	if c.apiKey == "" {
		return domain.SourceForecast{}, fmt.Errorf("forecast.Commercial: no API key configured, source disabled")
	}

	q := url.Values{}
	q.Set("location", fmt.Sprintf("%.4f,%.4f", city.Latitude, city.Longitude))
	q.Set("fields", "temperatureMax")
	q.Set("timesteps", "1d")
	q.Set("units", "imperial")
	q.Set("apikey", c.apiKey)
	endpoint := fmt.Sprintf("%s/timelines?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.Commercial: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.Commercial: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.SourceForecast{}, fmt.Errorf("forecast.Commercial: status %d", resp.StatusCode)
	}

	var data commercialResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.Commercial: decode: %w", err)
	}
	for _, d := range data.Timelines.Daily {
		if len(d.Time) >= 10 && d.Time[:10] == targetDate {
			return domain.SourceForecast{Source: c.Name(), TempF: d.Values.TemperatureMax, FetchedAt: time.Now().UTC()}, nil
		}
	}
	return domain.SourceForecast{}, fmt.Errorf("forecast.Commercial: no daily value for %s", targetDate)
}
