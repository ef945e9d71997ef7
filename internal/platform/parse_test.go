package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrosas-dev/wxtrader/internal/domain"
)

func TestParseHyphenated_Bounded(t *testing.T) {
	r, err := parseHyphenated("Highest temperature in NYC will be 34-35°F", domain.UnitFahrenheit)
	require.NoError(t, err)
	require.NotNil(t, r.Min)
	require.NotNil(t, r.Max)
	assert.Equal(t, 33.5, *r.Min)
	assert.Equal(t, 35.5, *r.Max)
	assert.Equal(t, domain.RangeBounded, r.Type)
}

func TestParseHyphenated_Unbounded(t *testing.T) {
	above, err := parseHyphenated("Will the high be above 90°F", domain.UnitFahrenheit)
	require.NoError(t, err)
	require.Nil(t, above.Max)
	require.NotNil(t, above.Min)
	assert.Equal(t, 89.5, *above.Min)

	below, err := parseHyphenated("Will the high be 20°F or below", domain.UnitFahrenheit)
	require.NoError(t, err)
	require.Nil(t, below.Min)
	require.NotNil(t, below.Max)
	assert.Equal(t, 20.5, *below.Max)
}

func TestParseToFormat_Bounded(t *testing.T) {
	r, err := parseToFormat("Temperature will be 34° to 35°", domain.UnitFahrenheit)
	require.NoError(t, err)
	require.NotNil(t, r.Min)
	require.NotNil(t, r.Max)
	assert.Equal(t, 33.5, *r.Min)
	assert.Equal(t, 35.5, *r.Max)
}

// Invariant 5: every parsed bounded range has width >= 1.0 integer degree.
func TestContinuityCorrection_MinimumWidth(t *testing.T) {
	r, err := parseHyphenated("34-35°F", domain.UnitFahrenheit)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.Width(), 1.0)
}

func TestKalshi_EntryFee(t *testing.T) {
	k := NewKalshi("")
	fee := k.EntryFee(0.5)
	assert.InDelta(t, 0.07*0.5*0.5, fee, 1e-9)
}

func TestPolymarket_EntryFeeIsZero(t *testing.T) {
	p := NewPolymarket("")
	assert.Equal(t, 0.0, p.EntryFee(0.5))
}
