package observation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// WU is the commercial historical-observations API (spec §6 Platform B
// resolution source): `/v1/location/{ICAO}:9:{ISO_CC}/observations/historical.json`.
// It also serves as the near-real-time authoritative source the fast path
// tracks as wu_high.
type WU struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewWU(baseURL, apiKey string) *WU {
	if baseURL == "" {
		baseURL = "https://api.weather.com/v1"
	}
	return &WU{http: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL, apiKey: apiKey}
}

func (w *WU) Name() string        { return "wu" }
func (w *WU) Authoritative() bool { return true }

type wuObservation struct {
	ValidTimeGMT int64    `json:"valid_time_gmt"`
	Temp         *float64 `json:"temp"`
	MaxTemp      *float64 `json:"max_temp"` // sub-hourly peak, when present — preferred over hourly series max
}

type wuHistoricalResponse struct {
	Observations []wuObservation `json:"observations"`
}

// CurrentHigh fetches today's historical observations for the city's
// station and returns the running high, preferring each reading's max_temp
// field when present over the raw temp (spec §6).
func (w *WU) CurrentHigh(ctx context.Context, city domain.City, targetDate string) (float64, string, error) {
	obs, err := w.historical(ctx, city.NWSStation, city.CountryCode, unitCode(city.Unit), targetDate, targetDate)
	if err != nil {
		return 0, "", fmt.Errorf("observation.WU: %w", err)
	}
	high, latestAt, found := dailyHigh(obs, city.Unit)
	if !found {
		return 0, "", fmt.Errorf("observation.WU: no observations for %s on %s", city.Name, targetDate)
	}
	return high, latestAt, nil
}

// HistoricalMaxTemp is the resolver-facing entry point: the authoritative
// daily high for (station, date) once the commercial API's day is final.
func (w *WU) HistoricalMaxTemp(ctx context.Context, station, isoCountryCode, date string, unit domain.Unit) (float64, error) {
	obs, err := w.historical(ctx, station, isoCountryCode, unitCode(unit), date, date)
	if err != nil {
		return 0, fmt.Errorf("observation.WU.HistoricalMaxTemp: %w", err)
	}
	high, _, found := dailyHigh(obs, unit)
	if !found {
		return 0, fmt.Errorf("observation.WU.HistoricalMaxTemp: no observations for %s on %s", station, date)
	}
	return high, nil
}

func (w *WU) historical(ctx context.Context, station, isoCountryCode, units, startDate, endDate string) ([]wuObservation, error) {
	if isoCountryCode == "" {
		isoCountryCode = "US"
	}
	q := url.Values{}
	q.Set("units", units)
	q.Set("startDate", compactDate(startDate))
	q.Set("endDate", compactDate(endDate))
	q.Set("apiKey", w.apiKey)
	endpoint := fmt.Sprintf("%s/location/%s:9:%s/observations/historical.json?%s", w.baseURL, station, isoCountryCode, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var data wuHistoricalResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data.Observations, nil
}

// dailyHigh returns the max across observations' max_temp when present,
// falling back to temp otherwise, per spec §6 ("use it when present;
// otherwise compute max from the hourly series").
func dailyHigh(obs []wuObservation, unit domain.Unit) (float64, string, bool) {
	var high float64
	var latest int64
	found := false
	for _, o := range obs {
		var v float64
		switch {
		case o.MaxTemp != nil:
			v = *o.MaxTemp
		case o.Temp != nil:
			v = *o.Temp
		default:
			continue
		}
		vF := toFahrenheitUnit(v, unit)
		if !found || vF > high {
			high = vF
		}
		if o.ValidTimeGMT > latest {
			latest = o.ValidTimeGMT
		}
		found = true
	}
	if !found {
		return 0, "", false
	}
	return high, time.Unix(latest, 0).UTC().Format(time.RFC3339), true
}

func unitCode(u domain.Unit) string {
	if u == domain.UnitCelsius {
		return "m"
	}
	return "e"
}

func toFahrenheitUnit(v float64, u domain.Unit) float64 {
	if u == domain.UnitCelsius {
		return v*9/5 + 32
	}
	return v
}

// compactDate converts YYYY-MM-DD to YYYYMMDD for the WU query shape.
func compactDate(d string) string {
	out := make([]byte, 0, 8)
	for _, r := range d {
		if r != '-' {
			out = append(out, byte(r))
		}
	}
	return string(out)
}
