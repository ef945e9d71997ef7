package config

import (
	"time"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

// DefaultCities returns the built-in city table used when a config file
// omits its own `cities` list. Shape grounded on the pack's weather-bot
// location table: name, coordinates, IANA timezone, plus the per-platform
// resolution stations and PWS ids spec §3/§6 require.
func DefaultCities() []CityConfig {
	return []CityConfig{
		{
			Name:              "New York",
			TimezoneID:        "America/New_York",
			Latitude:          40.7128,
			Longitude:         -74.0060,
			Unit:              "F",
			PolymarketStation: "KNYC",
			NWSStation:        "KNYC",
			PWSStationIDs:     []string{"KNYNEWYO73", "KNYNEWYO124", "KNYBROOK116"},
			PeakHourStart:     12,
			PeakHourEnd:       17,
		},
		{
			Name:              "Los Angeles",
			TimezoneID:        "America/Los_Angeles",
			Latitude:          34.0522,
			Longitude:         -118.2437,
			Unit:              "F",
			PolymarketStation: "KLAX",
			NWSStation:        "KLAX",
			PWSStationIDs:     []string{"KCALOSAN287", "KCALOSAN821"},
			PeakHourStart:     12,
			PeakHourEnd:       17,
		},
		{
			Name:              "Chicago",
			TimezoneID:        "America/Chicago",
			Latitude:          41.8781,
			Longitude:         -87.6298,
			Unit:              "F",
			PolymarketStation: "KMDW",
			NWSStation:        "KORD",
			PWSStationIDs:     []string{"KILCHICA560"},
			KalshiNWSPriority: true,
			PeakHourStart:     12,
			PeakHourEnd:       17,
		},
		{
			Name:              "Miami",
			TimezoneID:        "America/New_York",
			Latitude:          25.7617,
			Longitude:         -80.1918,
			Unit:              "F",
			PolymarketStation: "KMIA",
			NWSStation:        "KMIA",
			PWSStationIDs:     []string{"KFLMIAMI449"},
			PeakHourStart:     12,
			PeakHourEnd:       16,
		},
		{
			Name:              "Denver",
			TimezoneID:        "America/Denver",
			Latitude:          39.7392,
			Longitude:         -104.9903,
			Unit:              "F",
			PolymarketStation: "KDEN",
			NWSStation:        "KDEN",
			PWSStationIDs:     []string{"KCODENVE175"},
			PeakHourStart:     12,
			PeakHourEnd:       17,
		},
		{
			Name:              "Austin",
			TimezoneID:        "America/Chicago",
			Latitude:          30.2672,
			Longitude:         -97.7431,
			Unit:              "F",
			PolymarketStation: "KAUS",
			NWSStation:        "KAUS",
			PWSStationIDs:     []string{"KTXAUSTI1204"},
			PeakHourStart:     13,
			PeakHourEnd:       18,
		},
		{
			Name:              "Toronto",
			TimezoneID:        "America/Toronto",
			Latitude:          43.6532,
			Longitude:         -79.3832,
			Unit:              "C",
			PolymarketStation: "CYYZ",
			NWSStation:        "CYYZ",
			CountryCode:       "CA",
			PWSStationIDs:     []string{},
			KalshiBlocked:     true, // resolution source has unresolved bias (spec §4.4 step 2)
			PeakHourStart:     12,
			PeakHourEnd:       17,
		},
	}
}

// ToDomain converts the YAML-friendly CityConfig into the domain.City the
// rest of the engine operates on.
func (c CityConfig) ToDomain() domain.City {
	unit := domain.UnitFahrenheit
	if c.Unit == "C" {
		unit = domain.UnitCelsius
	}
	countryCode := c.CountryCode
	if countryCode == "" {
		countryCode = "US"
	}
	return domain.City{
		Name:              c.Name,
		TimezoneID:        c.TimezoneID,
		Latitude:          c.Latitude,
		Longitude:         c.Longitude,
		Unit:              unit,
		PolymarketStation: c.PolymarketStation,
		NWSStation:        c.NWSStation,
		CountryCode:       countryCode,
		PWSStationIDs:     c.PWSStationIDs,
		KalshiBlocked:     c.KalshiBlocked,
		KalshiNWSPriority: c.KalshiNWSPriority,
	}
}

// InPeakHours reports whether `now` falls within this city's configured
// local-time peak window (spec §6: tighter observation-poll interval "when
// any city is in peak hours").
func (c CityConfig) InPeakHours(now time.Time) bool {
	if c.PeakHourStart == 0 && c.PeakHourEnd == 0 {
		return false
	}
	loc, err := time.LoadLocation(c.TimezoneID)
	if err != nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	return hour >= c.PeakHourStart && hour < c.PeakHourEnd
}
