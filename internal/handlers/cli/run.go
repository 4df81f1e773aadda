package cli

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/chainpulse/chainpulse/internal/analyzer"
	"github.com/chainpulse/chainpulse/internal/collector"
	"github.com/chainpulse/chainpulse/internal/comet"
	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/metrics"
	"github.com/chainpulse/chainpulse/internal/pkg/logger"
	"github.com/chainpulse/chainpulse/internal/pkg/telemetry"
	"github.com/chainpulse/chainpulse/internal/statusfeed"
	"github.com/chainpulse/chainpulse/internal/storage/sqlite"
)

// serviceName identifies this process to the telemetry backend.
const serviceName = "chainpulse"

// run is the root command action: it assembles every component from the
// configuration and blocks until a termination signal arrives or the metrics
// listener fails.
func run(ctx context.Context, c *cli.Command) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

	if env.OtelEnabled {
		shutdown, err := telemetry.Init(ctx, serviceName)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	if err := logger.Init(logger.WithLevel(env.LogLevel)); err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		registry = metrics.New()
		analysis = analyzer.New(store, registry)

		chains   = make([]collector.Chain, 0, len(cfg.Chains))
		chainIDs = make([]string, 0, len(cfg.Chains))
	)

	for id, chain := range cfg.Chains {
		chains = append(chains, collector.Chain{
			ID:      id,
			URL:     chain.URL,
			Version: comet.Version(chain.CometVersion),
		})
		chainIDs = append(chainIDs, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })
	sort.Strings(chainIDs)

	serverErrCh := make(chan error, 1)

	if cfg.Metrics.Enabled {
		if cfg.Metrics.PopulateOnStart {
			logger.Warn(ctx, "populating metrics from store; counters may double-count against a prior scrape")
			for _, id := range chainIDs {
				if err := analysis.PopulateOnStart(ctx, id); err != nil {
					return err
				}
			}
		}

		server := metrics.NewServer(cfg.Metrics.Port, registry.Handler())
		go func() {
			serverErrCh <- server.Run(ctx)
		}()
		logger.Info(ctx, "metrics endpoint up", "port", cfg.Metrics.Port)

		if cfg.Metrics.StuckPackets {
			go analysis.RunStuckPacketSweep(ctx, chainIDs, cfg.Metrics.StuckPacketsInterval.Std())
		}

		if cfg.StatusFeed.Enabled {
			feed := statusfeed.New(cfg.StatusFeed.URL, cfg.StatusFeed.Interval.Std(), chainIDs, registry)
			go feed.Run(ctx)
		}
	}

	service := collector.New(chains, analysis, registry)
	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Close()

	quit := make(chan os.Signal, 1)
	defer close(quit)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-quit:
		logger.Info(ctx, "shutting down", "signal", sig.String())
		return nil
	case err := <-serverErrCh:
		return err
	}
}
