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

// EnsembleMember is the ensemble-member source spec §6 names ("one
// ensemble-member source, for spread"): it reports the mean of an NWP
// ensemble's members rather than a single deterministic run, which the
// forecast engine folds in as one more weighted reading — its main value is
// widening Disagreement when the ensemble itself disagrees.
type EnsembleMember struct {
	http    *http.Client
	baseURL string
}

func NewEnsembleMember() *EnsembleMember {
	return &EnsembleMember{http: &http.Client{Timeout: 10 * time.Second}, baseURL: "https://ensemble-api.open-meteo.com/v1"}
}

func (e *EnsembleMember) Name() string { return "ensemble_mean" }

type ensembleResponse struct {
	Daily struct {
		Time              []string    `json:"time"`
		TemperatureMaxMean [][]float64 `json:"temperature_2m_max"` // one slice of members per day
	} `json:"daily"`
}

func (e *EnsembleMember) Forecast(ctx context.Context, city domain.City, targetDate string) (domain.SourceForecast, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", city.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", city.Longitude))
	q.Set("daily", "temperature_2m_max")
	q.Set("models", "gfs_seamless")
	q.Set("temperature_unit", unitParam(city.Unit))
	q.Set("timezone", city.TimezoneID)

	endpoint := fmt.Sprintf("%s/ensemble?%s", e.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.EnsembleMember: build request: %w", err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.EnsembleMember: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.SourceForecast{}, fmt.Errorf("forecast.EnsembleMember: status %d", resp.StatusCode)
	}

	var data ensembleResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return domain.SourceForecast{}, fmt.Errorf("forecast.EnsembleMember: decode: %w", err)
	}
	for i, d := range data.Daily.Time {
		if d != targetDate || i >= len(data.Daily.TemperatureMaxMean) {
			continue
		}
		members := data.Daily.TemperatureMaxMean[i]
		if len(members) == 0 {
			continue
		}
		var sum float64
		for _, m := range members {
			sum += m
		}
		return domain.SourceForecast{
			Source:    e.Name(),
			TempF:     toFahrenheit(sum/float64(len(members)), city.Unit),
			FetchedAt: time.Now().UTC(),
		}, nil
	}
	return domain.SourceForecast{}, fmt.Errorf("forecast.EnsembleMember: no members for %s", targetDate)
}
