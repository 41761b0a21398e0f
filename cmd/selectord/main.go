package main

import (
	"context"
	_ "embed"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nodeselector/pkg/config"
	"nodeselector/pkg/log"
	"nodeselector/pkg/manager"
	"nodeselector/pkg/models"
	"nodeselector/pkg/monitor"
	"nodeselector/pkg/prober"
	"nodeselector/pkg/regressed"
	"nodeselector/pkg/registry"
	"nodeselector/pkg/selector"
	"nodeselector/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

//go:embed VERSION
var Version string

// observedSelector counts every round in Prometheus.
type observedSelector struct {
	*selector.Selector
	metrics *monitor.Prometheus
}

func (o observedSelector) Select(ctx context.Context) (models.Selection, error) {
	sel, err := o.Selector.Select(ctx)
	o.metrics.ObserveSelection(sel, err)
	return sel, err
}

func main() {
	// Initialize logger first
	_ = log.Logger

	configPath := flag.String("config", "selectord.yaml", "Configuration file path")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	logLevel := flag.String("log-level", "", "Log level (overrides log_level)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := log.SetLevel(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("Invalid log level")
	}
	if *debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Str("registry", cfg.RegistryPath).Msg("Failed to load registry")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewPrometheus(promRegistry)

	state := regressed.New(cfg.Selection.RegressedModeTimeout, metrics.SetRegressed)
	defer state.Stop()

	roster := selector.ProviderRoster(reg, cfg.Service)
	if len(cfg.Endpoints) > 0 {
		roster = selector.StaticRoster(cfg.Endpoints...)
	}
	roster = selector.FilterRoster(roster, cfg.Whitelist, cfg.Blacklist)

	sel, err := selector.New(cfg.SelectorConfig(), reg, prober.New(cfg.ProberOptions()),
		selector.WithRoster(roster),
		selector.WithRegressedState(state),
		selector.WithMonitor(monitor.Multi{metrics, monitor.LogSink{}}),
		selector.WithSelectionCallback(func(endpoint string, trace []models.DecisionEntry) {
			log.Debug().
				Str("endpoint", endpoint).
				Interface("trace", trace).
				Msg("Selection round finished")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create selector")
	}

	log.Info().
		Str("service", cfg.Service).
		Str("registry", cfg.RegistryPath).
		Strs("endpoints", cfg.Endpoints).
		Int64("unhealthy_block_diff", cfg.Selection.UnhealthyBlockDiff).
		Int64("unhealthy_slot_diff", cfg.Selection.UnhealthySlotDiff).
		Dur("regressed_mode_timeout", cfg.Selection.RegressedModeTimeout).
		Msg("Configured selector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := manager.New(observedSelector{Selector: sel, metrics: metrics}, cfg.ManagerOptions())
	mgr.Start(ctx)
	defer mgr.Stop()

	srv := server.New(mgr, state, promRegistry, cfg.Service, strings.TrimSpace(Version), cfg.Server.ShutdownTimeout)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return registry.Watch(groupCtx, cfg.RegistryPath, reg)
	})
	group.Go(func() error {
		return srv.Start(groupCtx, cfg.Server.Addr)
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("Selector daemon stopped with error")
		mgr.Stop()
		state.Stop()
		os.Exit(1)
	}

	log.Info().Msg("Selector daemon stopped")
}
