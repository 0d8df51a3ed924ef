// Command feedctl runs the market-data feed adapter: it connects to the
// broker, decodes inbound frames, and drains normalized events into a
// consumer loop while tracking feed health.
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

	"github.com/nugget/feedctl/internal/buildinfo"
	"github.com/nugget/feedctl/internal/config"
	"github.com/nugget/feedctl/internal/connwatch"
	"github.com/nugget/feedctl/internal/decode"
	"github.com/nugget/feedctl/internal/dispatcher"
	"github.com/nugget/feedctl/internal/events"
	"github.com/nugget/feedctl/internal/feedhealth"
	"github.com/nugget/feedctl/internal/marketdata"
	"github.com/nugget/feedctl/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("feedctl - market-data feed adapter")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Connect to the broker and run the feed")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting feedctl", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}))
	}

	logger.Info("config loaded", "path", cfgPath, "broker_id", cfg.Transport.BrokerID,
		"environment", cfg.Transport.Environment().String(), "full_depth", cfg.Decoder.FullDepth)

	bus := events.New()
	go logBusEvents(bus, logger)

	auth := transport.NewHTTPAuthClient(cfg.Transport.BaseURL, cfg.Transport.AppID,
		cfg.Transport.AppSecret, cfg.Transport.AppCode, cfg.Transport.EffectiveBrokerID())

	session := transport.New(cfg.Transport, auth, logger)
	session.SetEventBus(bus)

	var disp *dispatcher.Dispatcher[any]
	disp = dispatcher.New[any](cfg.Dispatcher, logger)

	dec := decode.New(cfg.Decoder, wireParser, func(event any) error {
		disp.Push(event)
		return nil
	}, session.Epoch, logger)

	monitor := feedhealth.New(cfg.Health, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := session.Connect(ctx); err != nil {
		logger.Error("initial connect failed", "error", err)
		os.Exit(1)
	}

	for _, symbol := range cfg.Watchlist {
		if err := session.Subscribe(ctx, symbol, dec.OnMessage); err != nil {
			logger.Error("subscribe failed", "symbol", symbol, "error", err)
		}
	}

	watch := connwatch.NewManager(logger)
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name: "broker",
		Probe: func(ctx context.Context) error {
			if session.Stats().Connected {
				return nil
			}
			return fmt.Errorf("transport not connected")
		},
		Logger: logger,
	})

	consumeLoop(ctx, disp, monitor, bus, logger)

	watch.Stop()
	session.Shutdown()
	logger.Info("feedctl stopped")
}

// consumeLoop is the single dispatcher-consumer goroutine: once a second
// it drains normalized events, feeds the feed-health monitor, logs
// feed-dead/recovered transitions, and publishes feed-health and
// dispatcher-drop events onto the bus. The health monitor uses its own monotonic
// clock (feedhealth.Now), deliberately not the event's own RecvMonoNS —
// those are stamped by a different Decoder-owned clock instance with a
// different zero point, so only a fresh feedhealth.Now() reading is
// meaningful against the monitor's own gap thresholds.
func consumeLoop(ctx context.Context, disp *dispatcher.Dispatcher[any], monitor *feedhealth.Monitor, bus *events.Bus, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	wasDead := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, _ := disp.Poll(4096)
			now := feedhealth.Now()
			for _, event := range batch {
				symbol := symbolOf(event)
				if symbol == "" {
					continue
				}
				monitor.OnEvent(symbol, now)
			}

			dead := monitor.IsFeedDead(now)
			if dead && !wasDead {
				bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceHealth, Kind: events.KindFeedDead})
				logger.Warn("feed appears dead: no events across any symbol recently")
			} else if !dead && wasDead {
				bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceHealth, Kind: events.KindFeedRecovered})
				logger.Info("feed recovered")
			}
			wasDead = dead

			for _, symbol := range monitor.StaleSymbols(now) {
				gapMS, _ := monitor.LastSeenGapMillis(symbol, now)
				bus.Publish(events.Event{
					Timestamp: time.Now(), Source: events.SourceHealth, Kind: events.KindSymbolStale,
					Data: map[string]any{"symbol": symbol, "gap_ms": gapMS},
				})
			}

			stats := disp.Stats()
			if stats.Dropped > 0 {
				bus.Publish(events.Event{
					Timestamp: time.Now(), Source: events.SourceDispatcher, Kind: events.KindDropped,
					Data: map[string]any{"dropped_total": stats.Dropped, "drop_rate": disp.Health().DropRateEMA},
				})
			}
		}
	}
}

func symbolOf(event any) string {
	switch e := event.(type) {
	case marketdata.BestLevelEvent:
		return e.Symbol
	case marketdata.FullDepthEvent:
		return e.Symbol
	default:
		return ""
	}
}

func logBusEvents(bus *events.Bus, logger *slog.Logger) {
	ch := bus.Subscribe(128)
	defer bus.Unsubscribe(ch)
	for e := range ch {
		args := []any{"source", e.Source, "kind", e.Kind}
		for k, v := range e.Data {
			args = append(args, k, v)
		}
		logger.Info("event", args...)
	}
}

// wireParser is the injected frame parser: producing a decode.Frame from
// raw wire bytes is the exchange SDK's job, not this adapter's. This
// default implementation refuses every payload so a misconfigured
// deployment fails loudly instead of silently decoding garbage; a real
// deployment supplies its own decode.Parser built on the vendor's wire
// bindings.
func wireParser(payload []byte) (decode.Frame, error) {
	return decode.Frame{}, fmt.Errorf("wireParser: no wire-format parser configured (payload %d bytes)", len(payload))
}
