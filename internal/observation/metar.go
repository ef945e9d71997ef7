// Package observation implements ports.ObservationSource for the ground-truth
// feeds the fast path and resolver depend on: authoritative per-hour airport
// reports (METAR) and near-real-time personal weather stations (PWS).
package observation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// METAR is the authoritative per-hour airport-report source (spec §6: "one
// or more commercial observation APIs"; METAR specifically backs the
// guaranteed_win fast path's authoritative running high).
type METAR struct {
	http    *http.Client
	baseURL string
}

func NewMETAR(baseURL string) *METAR {
	if baseURL == "" {
		baseURL = "https://aviationweather.gov/api/data"
	}
	return &METAR{http: &http.Client{Timeout: 8 * time.Second}, baseURL: baseURL}
}

func (m *METAR) Name() string      { return "metar" }
func (m *METAR) Authoritative() bool { return true }

type metarReport struct {
	Temp       float64 `json:"temp"` // Celsius per NOAA convention
	ObsTime    int64   `json:"obsTime"`
	ICAOID     string  `json:"icaoId"`
}

// CurrentHigh returns the highest METAR temperature reported for the city's
// station so far on targetDate (city-local calendar date).
func (m *METAR) CurrentHigh(ctx context.Context, city domain.City, targetDate string) (float64, string, error) {
	endpoint := fmt.Sprintf("%s/metar?ids=%s&format=json&hours=24", m.baseURL, city.NWSStation)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("observation.METAR: build request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("observation.METAR: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("observation.METAR: status %d", resp.StatusCode)
	}

	var reports []metarReport
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return 0, "", fmt.Errorf("observation.METAR: decode: %w", err)
	}

	loc := city.Location()
	var high float64
	var latest time.Time
	found := false
	for _, r := range reports {
		obsAt := time.Unix(r.ObsTime, 0).In(loc)
		if obsAt.Format("2006-01-02") != targetDate {
			continue
		}
		tempF := r.Temp*9/5 + 32
		if !found || tempF > high {
			high = tempF
		}
		if obsAt.After(latest) {
			latest = obsAt
		}
		found = true
	}
	if !found {
		return 0, "", fmt.Errorf("observation.METAR: no reports for %s on %s", city.Name, targetDate)
	}
	return high, latest.Format(time.RFC3339), nil
}
