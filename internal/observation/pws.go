package observation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// PWSStationClient fetches individual personal-weather-station readings from
// the commercial observations API's current-conditions endpoint (spec §6:
// "one providing near-real-time personal station data"). Implements
// ports.PWSClient.
type PWSStationClient struct {
	http    *http.Client
	baseURL string
	apiKey  string

	// bias is a per-station correction subtracted from the raw reading,
	// maintained from historical accuracy (spec §3 "PWS samples ... with
	// per-station bias metadata"). Populated externally; zero-value means
	// no correction.
	bias map[string]float64
}

func NewPWSStationClient(baseURL, apiKey string, bias map[string]float64) *PWSStationClient {
	if baseURL == "" {
		baseURL = "https://api.weather.com/v2/pws/observations/current"
	}
	if bias == nil {
		bias = map[string]float64{}
	}
	return &PWSStationClient{http: &http.Client{Timeout: 6 * time.Second}, baseURL: baseURL, apiKey: apiKey, bias: bias}
}

type pwsCurrentResponse struct {
	Observations []struct {
		StationID string `json:"stationID"`
		ObsTimeUTC string `json:"obsTimeUtc"`
		Imperial   struct {
			Temp float64 `json:"temp"`
		} `json:"imperial"`
	} `json:"observations"`
}

func (c *PWSStationClient) FetchStation(ctx context.Context, stationID string) (ports.PWSStationReading, error) {
	endpoint := fmt.Sprintf("%s?stationId=%s&format=json&units=e&apiKey=%s", c.baseURL, stationID, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ports.PWSStationReading{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ports.PWSStationReading{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ports.PWSStationReading{}, fmt.Errorf("observation.PWSStationClient: status %d", resp.StatusCode)
	}

	var data pwsCurrentResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ports.PWSStationReading{}, fmt.Errorf("observation.PWSStationClient: decode: %w", err)
	}
	if len(data.Observations) == 0 {
		return ports.PWSStationReading{}, fmt.Errorf("observation.PWSStationClient: no observation for %s", stationID)
	}
	o := data.Observations[0]
	obsAt, _ := time.Parse(time.RFC3339, o.ObsTimeUTC)
	return ports.PWSStationReading{
		StationID:  stationID,
		TempF:      o.Imperial.Temp - c.bias[stationID],
		ObservedAt: obsAt,
	}, nil
}

// CorrectedMedian combines raw, bias-corrected station readings into a
// single value using the true median (spec §4.8: "a corrected-median across
// three PWS stations — true median, not weighted mean — with three, median
// discards the outlier"). Requires at least one reading; with two it
// averages, with three-or-more it takes the middle value.
func CorrectedMedian(readings []ports.PWSStationReading) (float64, bool) {
	if len(readings) == 0 {
		return 0, false
	}
	temps := make([]float64, len(readings))
	for i, r := range readings {
		temps[i] = r.TempF
	}
	sort.Float64s(temps)

	n := len(temps)
	if n%2 == 1 {
		return temps[n/2], true
	}
	return (temps[n/2-1] + temps[n/2]) / 2, true
}
