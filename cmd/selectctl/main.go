package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"
	"nodeselector/pkg/prober"
	"nodeselector/pkg/registry"
	"nodeselector/pkg/selector"

	"github.com/dustin/go-humanize"
)

const (
	defaultRoundTimeout = 30 * time.Second
	separatorLineLength = 80
)

type config struct {
	service      string
	registryPath string
	endpoints    []string
	whitelist    []string
	blacklist    []string
	selection    selector.Config
	roundTimeout time.Duration
	jsonOutput   bool
}

// telemetrySink keeps the last health check per endpoint for the report.
type telemetrySink struct {
	mu     sync.Mutex
	checks map[string]models.HealthCheckMetrics
}

func (t *telemetrySink) HealthCheck(_ context.Context, m models.HealthCheckMetrics) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[m.Endpoint] = m
	return nil
}

func (t *telemetrySink) Request(context.Context, models.RequestMetrics) error {
	return nil
}

func (t *telemetrySink) get(endpoint string) (models.HealthCheckMetrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.checks[endpoint]
	return m, ok
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "selectctl: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "selectctl failed: %v\n", err)
		os.Exit(1)
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseFlags(args []string) (config, error) {
	flags := flag.NewFlagSet("selectctl", flag.ContinueOnError)

	service := flags.String("service", "", "Service name nodes must report")
	registryPath := flags.String("registry", "", "Registry YAML file")
	endpoints := flags.String("endpoints", "", "Comma-separated endpoints (default: registry providers)")
	whitelist := flags.String("whitelist", "", "Comma-separated endpoints to restrict to")
	blacklist := flags.String("blacklist", "", "Comma-separated endpoints to exclude")
	blockDiff := flags.Int64("unhealthy-block-diff", selector.DefaultUnhealthyBlockDiff, "Largest acceptable block lag")
	slotDiff := flags.Int64("unhealthy-slot-diff", 0, "Largest acceptable slot lag (0 disables)")
	validVersions := flags.Int("valid-versions", selector.DefaultValidVersions, "Prior registered versions accepted for fallback")
	probeTimeout := flags.Duration("probe-timeout", 5*time.Second, "Timeout per health check")
	roundTimeout := flags.Duration("timeout", defaultRoundTimeout, "Timeout for the whole round")
	jsonOutput := flags.Bool("json", false, "Print the selection as JSON")
	debug := flags.Bool("debug", false, "Enable debug logging")

	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	if *debug {
		log.SetDebugMode()
	} else if err := log.SetLevel("warn"); err != nil {
		return config{}, err
	}

	if *service == "" {
		return config{}, fmt.Errorf("-service is required")
	}
	if *registryPath == "" {
		return config{}, fmt.Errorf("-registry is required")
	}

	return config{
		service:      *service,
		registryPath: *registryPath,
		endpoints:    splitList(*endpoints),
		whitelist:    splitList(*whitelist),
		blacklist:    splitList(*blacklist),
		selection: selector.Config{
			Service:            *service,
			UnhealthyBlockDiff: *blockDiff,
			UnhealthySlotDiff:  *slotDiff,
			ValidVersions:      *validVersions,
			ProbeTimeout:       *probeTimeout,
		},
		roundTimeout: *roundTimeout,
		jsonOutput:   *jsonOutput,
	}, nil
}

func run(cfg config, out io.Writer) error {
	reg, err := registry.Load(cfg.registryPath)
	if err != nil {
		return err
	}

	roster := selector.ProviderRoster(reg, cfg.service)
	if len(cfg.endpoints) > 0 {
		roster = selector.StaticRoster(cfg.endpoints...)
	}

	sink := &telemetrySink{checks: make(map[string]models.HealthCheckMetrics)}
	sel, err := selector.New(cfg.selection, reg, prober.New(prober.Options{}),
		selector.WithRoster(selector.FilterRoster(roster, cfg.whitelist, cfg.blacklist)),
		selector.WithMonitor(sink),
	)
	if err != nil {
		return err
	}
	defer sel.Regressed().Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.roundTimeout)
	defer cancel()

	result, err := sel.Select(ctx)
	if err != nil {
		return err
	}

	if cfg.jsonOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	printReport(out, result, sink)
	return nil
}

func printReport(out io.Writer, result models.Selection, sink *telemetrySink) {
	fmt.Fprintln(out, strings.Repeat("=", separatorLineLength))
	fmt.Fprintf(out, "Round %s (%d ms, %d candidates)\n", result.RoundID, result.DurationMs, len(result.Trace))
	fmt.Fprintln(out, strings.Repeat("=", separatorLineLength))

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ENDPOINT\tVERDICT\tVERSION\tBLOCK LAG\tMEMORY\tDB SIZE\tREASON")
	for _, entry := range result.Trace {
		version, lag, memory, dbSize := "-", "-", "-", "-"
		if m, ok := sink.get(entry.Endpoint); ok {
			if m.Version != "" {
				version = m.Version
			}
			if m.BlockDifference != nil {
				lag = humanize.Comma(*m.BlockDifference)
			}
			if m.Telemetry.TotalMemory > 0 {
				memory = humanize.Bytes(m.Telemetry.UsedMemory) + "/" + humanize.Bytes(m.Telemetry.TotalMemory)
			}
			if m.Telemetry.DatabaseSize > 0 {
				dbSize = humanize.Bytes(uint64(m.Telemetry.DatabaseSize))
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.Endpoint, entry.Verdict, version, lag, memory, dbSize, entry.Reason)
	}
	_ = writer.Flush()

	fmt.Fprintln(out, strings.Repeat("-", separatorLineLength))
	switch {
	case !result.Found():
		fmt.Fprintln(out, "No usable endpoint")
	case result.Backup:
		fmt.Fprintf(out, "Selected %s (backup, regressed mode)\n", result.Endpoint)
	default:
		fmt.Fprintf(out, "Selected %s\n", result.Endpoint)
	}
}
