package observation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrosas-dev/wxtrader/internal/adapters/storage"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

type stubObsSource struct {
	name  string
	highs []float64 // one per call, last repeats
	calls int
	fail  bool
}

func (s *stubObsSource) Name() string        { return s.name }
func (s *stubObsSource) Authoritative() bool { return true }

func (s *stubObsSource) CurrentHigh(ctx context.Context, city domain.City, targetDate string) (float64, string, error) {
	if s.fail {
		return 0, "", errors.New("503")
	}
	i := s.calls
	if i >= len(s.highs) {
		i = len(s.highs) - 1
	}
	s.calls++
	return s.highs[i], "2026-02-14T18:00:00Z", nil
}

type stubPWS struct {
	temps map[string]float64
	err   error
}

func (s stubPWS) FetchStation(ctx context.Context, stationID string) (ports.PWSStationReading, error) {
	if s.err != nil {
		return ports.PWSStationReading{}, s.err
	}
	return ports.PWSStationReading{StationID: stationID, TempF: s.temps[stationID]}, nil
}

func pollerCity() domain.City {
	return domain.City{
		Name: "New York", TimezoneID: "America/New_York",
		Unit: domain.UnitFahrenheit, NWSStation: "KNYC", PolymarketStation: "KNYC",
		PWSStationIDs: []string{"PWS1", "PWS2", "PWS3"},
	}
}

func TestPollerRunningHighMonotonic(t *testing.T) {
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer s.Close()

	// The source reads 35, then glitches down to 33: the running high must
	// hold at 35 and the dip must not re-signal.
	src := &stubObsSource{name: "metar", highs: []float64{35.0, 33.0, 36.0}}
	p := NewPoller(s, []ports.ObservationSource{src}, nil, 1)

	ctx := context.Background()
	cities := []domain.City{pollerCity()}

	events, err := p.Poll(ctx, cities, "2026-02-14")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 35.0, events[0].ObservationHigh)
	require.Equal(t, 35.0, events[0].MetarHigh)

	events, err = p.Poll(ctx, cities, "2026-02-14")
	require.NoError(t, err)
	require.Empty(t, events, "a lower reading is not a new high")

	events, err = p.Poll(ctx, cities, "2026-02-14")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 36.0, events[0].ObservationHigh)
}

func TestPollerSourceFailureDegrades(t *testing.T) {
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer s.Close()

	metar := &stubObsSource{name: "metar", highs: []float64{34.0}}
	wu := &stubObsSource{name: "wu", fail: true}
	p := NewPoller(s, []ports.ObservationSource{metar, wu}, nil, 1)

	events, err := p.Poll(context.Background(), []domain.City{pollerCity()}, "2026-02-14")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 34.0, events[0].ObservationHigh)
	require.Zero(t, events[0].WUHigh, "failed source contributes nothing, not a stale value")
}

// The corrected median across three stations discards the outlier: one
// station reading 6 degrees hot must not move the signal.
func TestPollerPWSMedianDiscardsOutlier(t *testing.T) {
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer s.Close()

	metar := &stubObsSource{name: "metar", highs: []float64{34.0}}
	pws := stubPWS{temps: map[string]float64{"PWS1": 35.0, "PWS2": 41.2, "PWS3": 35.4}}
	p := NewPoller(s, []ports.ObservationSource{metar}, pws, 1)

	events, err := p.Poll(context.Background(), []domain.City{pollerCity()}, "2026-02-14")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 35.4, events[0].PWSMedianF)
	require.Equal(t, 35.4, events[0].ObservationHigh, "median, not the 41.2 spike, feeds the running high")
}

// With confirm_polls = 2 a single spike is not confirmed; a second
// consecutive rising poll is.
func TestPollerPWSConfirmStreak(t *testing.T) {
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer s.Close()

	metar := &stubObsSource{name: "metar", highs: []float64{30.0}}
	pws := &risingPWS{base: 35.0}
	p := NewPoller(s, []ports.ObservationSource{metar}, pws, 2)

	ctx := context.Background()
	cities := []domain.City{pollerCity()}

	events, err := p.Poll(ctx, cities, "2026-02-14")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].PWSConfirmed, "first spike alone must not confirm")

	events, err = p.Poll(ctx, cities, "2026-02-14")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].PWSConfirmed)
}

// risingPWS returns a slightly higher reading on every fetch round.
type risingPWS struct {
	base  float64
	calls int
}

func (r *risingPWS) FetchStation(ctx context.Context, stationID string) (ports.PWSStationReading, error) {
	r.calls++
	round := float64((r.calls - 1) / 3)
	return ports.PWSStationReading{StationID: stationID, TempF: r.base + round*0.5}, nil
}

func TestCorrectedMedian(t *testing.T) {
	readings := []ports.PWSStationReading{
		{StationID: "a", TempF: 35.0},
		{StationID: "b", TempF: 41.2},
		{StationID: "c", TempF: 35.4},
	}
	m, ok := CorrectedMedian(readings)
	require.True(t, ok)
	require.Equal(t, 35.4, m)

	_, ok = CorrectedMedian(nil)
	require.False(t, ok)
}
