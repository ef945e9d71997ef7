package observation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// PendingEvent signals that a city's running high moved this poll — the
// coordinator's guaranteed-win fast scan reacts to these (spec §4.8).
type PendingEvent struct {
	City            string
	TargetDate      string
	ObservationHigh float64 // running_high: max across all sources today
	WUHigh          float64 // commercial-source running high only
	MetarHigh       float64 // airport-report running high only
	PWSMedianF      float64 // corrected-median PWS reading, 0 if unavailable
	PWSConfirmed    bool    // true once PWSConfirmPolls consecutive polls agree
}

// Poller batch-fetches current observations for all active cities once per
// fast-loop tick, updates per-day running highs, and surfaces PendingEvents
// for cities whose high just moved (spec §4.2, §4.8).
type Poller struct {
	storage      ports.Storage
	authSources  []ports.ObservationSource // e.g. METAR, WU — both authoritative
	pws          ports.PWSClient
	confirmPolls int

	// lastHigh and spikeStreak are in-memory, intentionally resettable on
	// restart (spec §5 "shared resource policy": delayed exit is the
	// conservative trade-off, not acting on stale memory). mu guards both
	// against the bounded-parallel city fan-out.
	mu          sync.Mutex
	lastHigh    map[string]float64
	spikeStreak map[string]int
}

func NewPoller(storage ports.Storage, authSources []ports.ObservationSource, pws ports.PWSClient, confirmPolls int) *Poller {
	if confirmPolls <= 0 {
		confirmPolls = 1
	}
	return &Poller{
		storage:      storage,
		authSources:  authSources,
		pws:          pws,
		confirmPolls: confirmPolls,
		lastHigh:     map[string]float64{},
		spikeStreak:  map[string]int{},
	}
}

// pollConcurrency bounds the per-tick city fan-out (spec §5: parallel
// network fan-out with bounded concurrency).
const pollConcurrency = 4

// Poll fetches one round of observations for every (city, targetDate) pair
// the caller cares about (typically every city with an open trade or a
// market in today's scan window) and returns the cities whose running high
// advanced this round.
func (p *Poller) Poll(ctx context.Context, cities []domain.City, targetDate string) ([]PendingEvent, error) {
	type result struct {
		ev      PendingEvent
		changed bool
		err     error
		city    string
	}
	results := make([]result, len(cities))
	sem := make(chan struct{}, pollConcurrency)
	var wg sync.WaitGroup
	for i, city := range cities {
		wg.Add(1)
		go func(i int, city domain.City) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			ev, changed, err := p.pollCity(ctx, city, targetDate)
			results[i] = result{ev: ev, changed: changed, err: err, city: city.Name}
		}(i, city)
	}
	wg.Wait()

	var events []PendingEvent
	for _, r := range results {
		if r.err != nil {
			slog.Warn("observation.Poller: city poll failed", "city", r.city, "err", r.err)
			continue
		}
		if r.changed {
			events = append(events, r.ev)
		}
	}
	return events, nil
}

func (p *Poller) pollCity(ctx context.Context, city domain.City, targetDate string) (PendingEvent, bool, error) {
	var runningHigh, wuHigh, metarHigh float64
	var latestAt string
	for _, src := range p.authSources {
		high, observedAt, err := src.CurrentHigh(ctx, city, targetDate)
		if err != nil {
			slog.Debug("observation.Poller: source failed, dropping for this poll", "source", src.Name(), "city", city.Name, "err", err)
			continue
		}
		if high > runningHigh {
			runningHigh = high
		}
		switch src.Name() {
		case "wu":
			if high > wuHigh {
				wuHigh = high
			}
		case "metar":
			if high > metarHigh {
				metarHigh = high
			}
		}
		latestAt = observedAt
	}

	pwsMedian, pwsConfirmed := p.pollPWS(ctx, city)
	if pwsMedian > runningHigh {
		runningHigh = pwsMedian
	}

	// Running highs are monotonically non-decreasing within a day (spec
	// §3): a source hiccup that briefly reads low must never walk the
	// recorded high back down.
	key := city.Name + "|" + targetDate
	p.mu.Lock()
	prev := p.lastHigh[key]
	if runningHigh < prev {
		runningHigh = prev
	}
	p.lastHigh[key] = runningHigh
	p.mu.Unlock()
	changed := runningHigh > prev

	if changed && p.storage != nil {
		obsErr := p.storage.SaveObservation(ctx, domain.Observation{
			ID:               uuid.NewString(),
			City:             city.Name,
			TargetDate:       targetDate,
			ObservedAt:       parseObsTime(latestAt),
			StationID:        city.NWSStation,
			TempF:            runningHigh,
			RunningHigh:      runningHigh,
			WUHigh:           wuHigh,
			MetarHigh:        metarHigh,
			ObservationCount: 1,
		})
		if obsErr != nil {
			slog.Warn("observation.Poller: save observation failed", "city", city.Name, "err", obsErr)
		}
	}

	return PendingEvent{
		City:            city.Name,
		TargetDate:      targetDate,
		ObservationHigh: runningHigh,
		WUHigh:          wuHigh,
		MetarHigh:       metarHigh,
		PWSMedianF:      pwsMedian,
		PWSConfirmed:    pwsConfirmed,
	}, changed, nil
}

// pollPWS fetches every configured PWS station for the city, takes the
// corrected median of up to 3 readings, and tracks a consecutive-confirm
// streak (spec §9 open question 1: single-spike sufficiency is
// configurable via confirmPolls).
func (p *Poller) pollPWS(ctx context.Context, city domain.City) (float64, bool) {
	if p.pws == nil || len(city.PWSStationIDs) == 0 {
		return 0, false
	}

	var readings []ports.PWSStationReading
	for _, stationID := range city.PWSStationIDs {
		r, err := p.pws.FetchStation(ctx, stationID)
		if err != nil {
			continue
		}
		readings = append(readings, r)
		if len(readings) == 3 {
			break // spec §4.8: corrected median across three stations
		}
	}

	median, ok := CorrectedMedian(readings)
	if !ok {
		return 0, false
	}

	p.mu.Lock()
	streakKey := city.Name
	if median > p.lastHigh[city.Name+"|pws"] {
		p.spikeStreak[streakKey]++
	} else {
		p.spikeStreak[streakKey] = 0
	}
	p.lastHigh[city.Name+"|pws"] = median
	confirmed := p.spikeStreak[streakKey] >= p.confirmPolls
	p.mu.Unlock()

	return median, confirmed
}

func parseObsTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
