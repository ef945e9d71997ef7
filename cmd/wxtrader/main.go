package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/mrosas-dev/wxtrader/config"
	"github.com/mrosas-dev/wxtrader/internal/adapters/storage"
	"github.com/mrosas-dev/wxtrader/internal/alert"
	"github.com/mrosas-dev/wxtrader/internal/coordinator"
	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/executor"
	"github.com/mrosas-dev/wxtrader/internal/forecast"
	"github.com/mrosas-dev/wxtrader/internal/monitor"
	"github.com/mrosas-dev/wxtrader/internal/observation"
	"github.com/mrosas-dev/wxtrader/internal/platform"
	"github.com/mrosas-dev/wxtrader/internal/ports"
	"github.com/mrosas-dev/wxtrader/internal/resolver"
	"github.com/mrosas-dev/wxtrader/internal/scanner"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	mode := flag.String("mode", "start", "scan|status|resolve|start")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(2)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	if len(cfg.Cities) == 0 {
		cfg.Cities = config.DefaultCities()
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "scan":
		runScanOnce(ctx, cfg, store)
	case "status":
		runStatus(ctx, store)
	case "resolve":
		runResolveOnce(ctx, cfg, store)
	case "start":
		runStart(ctx, cfg, store)
	default:
		slog.Error("unknown -mode", "mode", *mode)
		os.Exit(2)
	}
}

func buildPlatforms(cfg *config.Config) map[domain.Platform]ports.PlatformAdapter {
	return map[domain.Platform]ports.PlatformAdapter{
		domain.PlatformPolymarket: platform.NewPolymarket(cfg.API.PolymarketBase),
		domain.PlatformKalshi:     platform.NewKalshi(cfg.API.KalshiBase),
	}
}

func platformSlice(m map[domain.Platform]ports.PlatformAdapter) []ports.PlatformAdapter {
	out := make([]ports.PlatformAdapter, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func buildForecastEngine(cfg *config.Config, store ports.Storage) *forecast.Engine {
	sources := []ports.ForecastSource{
		forecast.NewOpenMeteo(),
		forecast.NewNWS(cfg.API.NWSBase),
		forecast.NewCommercial("", cfg.API.CommercialKey),
		forecast.NewEnsembleMember(),
	}
	return forecast.NewEngine(sources, store, forecast.DefaultConfig())
}

func buildResolutionSources(cfg *config.Config) map[domain.Platform]ports.ResolutionSource {
	wu := observation.NewWU("", cfg.API.ObsAPIKey)
	return map[domain.Platform]ports.ResolutionSource{
		domain.PlatformPolymarket: resolver.NewNWSClimate(cfg.API.NWSBase),
		domain.PlatformKalshi:     resolver.NewWUHistorical(wu),
	}
}

func buildAlerts(ctx context.Context, cfg *config.Config) ports.AlertTransport {
	var transport ports.AlertTransport
	tg, err := alert.NewTelegram(cfg.Alert.TelegramToken, cfg.Alert.TelegramChatID)
	if err != nil {
		slog.Warn("alert: telegram init failed, falling back to console", "err", err)
		transport = alert.NewConsole()
	} else {
		transport = tg
	}
	return alert.NewSink(ctx, transport, cfg.Alert.QueueRatePerSec)
}

func quoteSource(platforms map[domain.Platform]ports.PlatformAdapter) monitor.QuoteSource {
	return func(ctx context.Context, p domain.Platform, marketID string, side domain.Side) (monitor.Quote, error) {
		adapter, ok := platforms[p]
		if !ok {
			return monitor.Quote{}, fmt.Errorf("wxtrader: no platform adapter for %s", p)
		}
		book, err := adapter.OrderBook(ctx, marketID, side)
		if err != nil {
			return monitor.Quote{}, err
		}
		return monitor.Quote{Bid: book.BestBid(), Ask: book.BestAsk()}, nil
	}
}

func runScanOnce(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) {
	platforms := buildPlatforms(cfg)
	engine := buildForecastEngine(cfg, store)
	s := scanner.New(platformSlice(platforms), engine, store, cfg.Cities, *cfg)

	opps, err := s.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("scan failed", "err", err)
		os.Exit(1)
	}
	slog.Info("scan complete", "opportunities", len(opps))
}

func runResolveOnce(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) {
	res := resolver.New(store, buildResolutionSources(cfg), cfg.Cities, cfg.Calibration)
	n, err := res.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("resolve failed", "err", err)
		os.Exit(1)
	}
	slog.Info("resolve complete", "resolved", n)
}

func runStatus(ctx context.Context, store *storage.SQLiteStorage) {
	trades, err := store.OpenTrades(ctx)
	if err != nil {
		slog.Error("status failed", "err", err)
		os.Exit(1)
	}
	if len(trades) == 0 {
		fmt.Println("no open trades")
	} else {
		var deployed float64
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("City", "Date", "Platform", "Side", "Range", "Ask", "Cost", "Shares", "Reason", "Max Seen")
		for _, t := range trades {
			deployed += t.Cost
			table.Append(
				t.City,
				t.TargetDate,
				string(t.Platform),
				string(t.Side),
				rangeLabel(t.Range),
				fmt.Sprintf("%.3f", t.EntryAsk),
				fmt.Sprintf("$%.2f", t.Cost),
				fmt.Sprintf("%.2f", t.Shares),
				string(t.Reason),
				fmt.Sprintf("%.3f", t.MaxPriceSeen),
			)
		}
		table.Render()
		fmt.Printf("deployed capital: $%.2f across %d open trades\n\n", deployed, len(trades))
	}

	perf, err := store.PerformanceRows(ctx)
	if err != nil {
		slog.Error("status failed", "err", err)
		os.Exit(1)
	}
	if len(perf) == 0 {
		fmt.Println("no resolved trades yet")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Dimension", "Value", "Trades", "Wins", "Losses", "Win Rate", "Total P&L", "Avg P&L")
	for _, p := range perf {
		table.Append(
			p.GroupKey,
			p.GroupValue,
			fmt.Sprintf("%d", p.TradeCount),
			fmt.Sprintf("%d", p.Wins),
			fmt.Sprintf("%d", p.Losses),
			fmt.Sprintf("%.1f%%", p.WinRate*100),
			fmt.Sprintf("$%.2f", p.TotalPnL),
			fmt.Sprintf("$%.2f", p.AvgPnL),
		)
	}
	table.Render()
}

func runStart(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) {
	platforms := buildPlatforms(cfg)
	engine := buildForecastEngine(cfg, store)
	s := scanner.New(platformSlice(platforms), engine, store, cfg.Cities, *cfg)
	exec := executor.New(store, *cfg)

	cityByName := make(map[string]config.CityConfig, len(cfg.Cities))
	for _, cc := range cfg.Cities {
		cityByName[cc.Name] = cc
	}
	mon := monitor.New(store, quoteSource(platforms), *cfg).
		WithReprice(func(ctx context.Context, city, targetDate string) (domain.ForecastDistribution, error) {
			cc, ok := cityByName[city]
			if !ok {
				return domain.ForecastDistribution{}, fmt.Errorf("wxtrader: unknown city %q", city)
			}
			return engine.Build(ctx, cc.ToDomain(), targetDate, nil, 1, time.Now().UTC())
		})
	res := resolver.New(store, buildResolutionSources(cfg), cfg.Cities, cfg.Calibration)

	authSources := []ports.ObservationSource{
		observation.NewMETAR(""),
		observation.NewWU("", cfg.API.ObsAPIKey),
	}
	pws := observation.NewPWSStationClient("", cfg.API.ObsAPIKey, nil)
	poller := observation.NewPoller(store, authSources, pws, cfg.Observation.PWSConfirmPolls)

	alerts := buildAlerts(ctx, cfg)

	co := coordinator.New(*cfg, s, exec, mon, res, poller, platforms, alerts, store)

	slog.Info("wxtrader starting",
		"cities", len(cfg.Cities),
		"scan_interval", cfg.Scheduling.ScanInterval(),
		"dsn", cfg.Storage.DSN,
	)
	co.Run(ctx)
	slog.Info("wxtrader stopped cleanly")
}

func rangeLabel(r domain.Range) string {
	switch {
	case r.Min == nil:
		return fmt.Sprintf("%.0f or below", *r.Max)
	case r.Max == nil:
		return fmt.Sprintf("above %.0f", *r.Min)
	default:
		return fmt.Sprintf("%.0f-%.0f", *r.Min, *r.Max)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
