// Package coordinator sequences the main scan→execute→monitor→resolve cycle
// and runs the two fast loops (observation polling, guaranteed-win scanning)
// on their own independent cadences (spec §4.8, §5).
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/executor"
	"github.com/mrosas-dev/wxtrader/internal/monitor"
	"github.com/mrosas-dev/wxtrader/internal/observation"
	"github.com/mrosas-dev/wxtrader/internal/ports"
	"github.com/mrosas-dev/wxtrader/internal/resolver"
	"github.com/mrosas-dev/wxtrader/internal/scanner"
)

// Coordinator owns the engine's three independently-scheduled loops.
type Coordinator struct {
	cfg       config.Config
	scan      *scanner.Scanner
	exec      *executor.Executor
	mon       *monitor.Monitor
	res       *resolver.Resolver
	poller    *observation.Poller
	platforms map[domain.Platform]ports.PlatformAdapter
	alerts    ports.AlertTransport
	storage   ports.Storage

	mu         sync.Mutex
	lastEvents map[string]scanner.GWEvent // keyed by "city|target_date"
}

func New(
	cfg config.Config,
	scan *scanner.Scanner,
	exec *executor.Executor,
	mon *monitor.Monitor,
	res *resolver.Resolver,
	poller *observation.Poller,
	platforms map[domain.Platform]ports.PlatformAdapter,
	alerts ports.AlertTransport,
	storage ports.Storage,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		scan:       scan,
		exec:       exec,
		mon:        mon,
		res:        res,
		poller:     poller,
		platforms:  platforms,
		alerts:     alerts,
		storage:    storage,
		lastEvents: map[string]scanner.GWEvent{},
	}
}

// Run starts the main cycle and both fast loops, blocking until ctx is
// cancelled (spec §5: three independently-timed loops, one shared process).
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); c.runMainLoop(ctx) }()
	go func() { defer wg.Done(); c.runObservationLoop(ctx) }()
	go func() { defer wg.Done(); c.runGuaranteedWinLoop(ctx) }()

	wg.Wait()
}

func (c *Coordinator) runMainLoop(ctx context.Context) {
	c.runMainCycle(ctx)

	ticker := time.NewTicker(c.cfg.Scheduling.ScanInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runMainCycle(ctx)
		}
	}
}

// runMainCycle runs scan → execute → monitor → resolve in order, isolating
// each step's failure so one step's error never blocks the next (spec §5
// "failure boundary per step").
func (c *Coordinator) runMainCycle(ctx context.Context) {
	now := time.Now().UTC()

	opps, err := c.scan.RunOnce(ctx, now)
	if err != nil {
		slog.Error("coordinator: scan step failed", "err", err)
	} else {
		trades, err := c.exec.ExecuteEdge(ctx, opps, now)
		if err != nil {
			slog.Error("coordinator: execute step failed", "err", err)
		} else if len(trades) > 0 {
			slog.Info("coordinator: entered edge trades", "count", len(trades))
			c.alertImmediate(ctx, fmt.Sprintf("entered %d new edge trade(s)", len(trades)))
		}
	}

	if exited, err := c.mon.RunOnce(ctx, now); err != nil {
		slog.Error("coordinator: monitor step failed", "err", err)
	} else if exited > 0 {
		slog.Info("coordinator: monitor exited trades", "count", exited)
		c.alertImmediate(ctx, fmt.Sprintf("monitor closed %d trade(s) this cycle", exited))
	}

	if resolved, err := c.res.RunOnce(ctx, now); err != nil {
		slog.Error("coordinator: resolve step failed", "err", err)
	} else if resolved > 0 {
		slog.Info("coordinator: resolved markets", "count", resolved)
	}
}

func (c *Coordinator) runObservationLoop(ctx context.Context) {
	interval := c.cfg.Scheduling.ObservationPollInterval(c.anyCityPeakHours(time.Now()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollObservations(ctx)
			ticker.Reset(c.cfg.Scheduling.ObservationPollInterval(c.anyCityPeakHours(time.Now())))
		}
	}
}

func (c *Coordinator) pollObservations(ctx context.Context) {
	cities := make([]domain.City, 0, len(c.cfg.Cities))
	for _, cc := range c.cfg.Cities {
		cities = append(cities, cc.ToDomain())
	}
	today := time.Now().UTC().Format("2006-01-02")

	events, err := c.poller.Poll(ctx, cities, today)
	if err != nil {
		slog.Warn("coordinator: observation poll failed", "err", err)
		return
	}

	c.mu.Lock()
	for _, ev := range events {
		c.lastEvents[ev.City+"|"+ev.TargetDate] = scanner.GWEvent{
			City:            ev.City,
			TargetDate:      ev.TargetDate,
			ObservationHigh: ev.ObservationHigh,
			WUHigh:          ev.WUHigh,
			MetarHigh:       ev.MetarHigh,
			PWSMedianF:      ev.PWSMedianF,
			PWSConfirmed:    ev.PWSConfirmed,
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) runGuaranteedWinLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Scheduling.GuaranteedWinScanInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanGuaranteedWin(ctx)
		}
	}
}

func (c *Coordinator) scanGuaranteedWin(ctx context.Context) {
	c.mu.Lock()
	events := make([]scanner.GWEvent, 0, len(c.lastEvents))
	for _, ev := range c.lastEvents {
		events = append(events, ev)
	}
	c.mu.Unlock()

	if len(events) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, cc := range c.cfg.Cities {
		for _, ev := range events {
			if ev.City != cc.Name {
				continue
			}
			city := cc.ToDomain()

			heldYES, err := c.storage.OpenTradesForCity(ctx, cc.Name)
			if err != nil {
				slog.Warn("coordinator: gw held-trades lookup failed", "city", cc.Name, "err", err)
				heldYES = nil
			}

			// Collect candidates across BOTH platforms before executing,
			// so the cross-platform dedup can keep only the cheapest venue
			// per range/side (spec §4.8).
			var candidates []scanner.GWCandidate
			for _, platform := range c.platforms {
				window := ports.DateWindow{From: ev.TargetDate, To: ev.TargetDate}
				markets, err := platform.FetchMarkets(ctx, city, window)
				if err != nil {
					slog.Debug("coordinator: gw fast-path fetch failed", "platform", platform.Platform(), "city", cc.Name, "err", err)
					continue
				}
				candidates = append(candidates, scanner.EvaluateGWFastPath(c.cfg.Observation, ev, markets, heldYES, now)...)
			}
			if len(candidates) == 0 {
				continue
			}
			candidates = scanner.DedupCrossPlatform(candidates)

			trades, err := c.exec.ExecuteGuaranteedWin(ctx, candidates, now)
			if err != nil {
				slog.Warn("coordinator: gw execute failed", "err", err)
				continue
			}
			for _, t := range trades {
				slog.Info("coordinator: guaranteed-win trade entered", "city", t.City, "market", t.MarketID, "reason", t.Reason)
				c.alertImmediate(ctx, fmt.Sprintf("guaranteed-win entry: %s %s (%s)", t.City, t.MarketID, t.Reason))
			}
		}
	}
}

func (c *Coordinator) anyCityPeakHours(now time.Time) bool {
	for _, cc := range c.cfg.Cities {
		if cc.InPeakHours(now) {
			return true
		}
	}
	return false
}

func (c *Coordinator) alertImmediate(ctx context.Context, text string) {
	if c.alerts == nil {
		return
	}
	if err := c.alerts.Send(ctx, ports.Alert{Kind: ports.AlertImmediate, Text: text}); err != nil {
		slog.Warn("coordinator: alert send failed", "err", err)
	}
}
