package platform

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/numerics"
)

// hyphenRangeRe matches Polymarket-style labels: "34-35°F" / "34–35°F".
var hyphenRangeRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*[-–]\s*(-?\d+(?:\.\d+)?)\s*°?\s*[FfCc]?`)

// toRangeRe matches Kalshi-style labels: "34° to 35°".
var toRangeRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*°?\s*to\s*(-?\d+(?:\.\d+)?)\s*°?`)

var aboveRe = regexp.MustCompile(`(?i)above\s*(-?\d+(?:\.\d+)?)`)
var belowRe = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s*°?\s*[FC]?\s*or\s*below`)

// parseHyphenated parses Polymarket's "X–Y°F" / "above X" / "X or below"
// labels, applying continuity correction (spec §4.2).
func parseHyphenated(raw string, unit domain.Unit) (domain.Range, error) {
	return parseGeneric(raw, unit, hyphenRangeRe)
}

// parseToFormat parses Kalshi's "X° to Y°" / "above X" / "X or below" labels.
func parseToFormat(raw string, unit domain.Unit) (domain.Range, error) {
	return parseGeneric(raw, unit, toRangeRe)
}

func parseGeneric(raw string, unit domain.Unit, boundedRe *regexp.Regexp) (domain.Range, error) {
	if m := aboveRe.FindStringSubmatch(raw); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return domain.Range{}, fmt.Errorf("platform: parse above-threshold %q: %w", raw, err)
		}
		lo, _ := numerics.ContinuityCorrect(&v, nil)
		return domain.Range{Min: lo, Max: nil, Type: domain.RangeUnbounded}, nil
	}
	if m := belowRe.FindStringSubmatch(raw); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return domain.Range{}, fmt.Errorf("platform: parse below-threshold %q: %w", raw, err)
		}
		_, hi := numerics.ContinuityCorrect(nil, &v)
		return domain.Range{Min: nil, Max: hi, Type: domain.RangeUnbounded}, nil
	}
	if m := boundedRe.FindStringSubmatch(raw); m != nil {
		lo, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return domain.Range{}, fmt.Errorf("platform: parse bounded min %q: %w", raw, err)
		}
		hi, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return domain.Range{}, fmt.Errorf("platform: parse bounded max %q: %w", raw, err)
		}
		loC, hiC := numerics.ContinuityCorrect(&lo, &hi)
		return domain.Range{Min: loC, Max: hiC, Type: domain.RangeBounded}, nil
	}
	return domain.Range{}, fmt.Errorf("platform: unrecognized range label %q", raw)
}
