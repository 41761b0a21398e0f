package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"
	"nodeselector/pkg/node"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Initialize logger first
	_ = log.Logger

	addr := flag.String("addr", ":8080", "Listen address")
	service := flag.String("service", "discovery-node", "Service name to report")
	version := flag.String("version", "1.0.0", "Version to report")
	blockDiff := flag.Int64("block-diff", 0, "Block difference to report (negative omits the field)")
	slotDiff := flag.Int64("slot-diff", -1, "Plays slot difference to report (negative omits the field)")
	chainHead := flag.Int64("chain-head", 0, "Chain head block number")
	status := flag.Int("status", 0, "Fail health checks with this HTTP status")
	delay := flag.Duration("delay", 0, "Delay every health check response")
	git := flag.String("git", "", "Git revision to report")
	dataDir := flag.String("data", ".", "Directory whose filesystem is reported")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		log.SetDebugMode()
	}

	state := node.State{
		Service:   *service,
		Version:   *version,
		ChainHead: *chainHead,
		Git:       *git,
		Status:    *status,
		DelayMs:   delay.Milliseconds(),
	}
	if *blockDiff >= 0 {
		state.BlockDifference = models.Int64(*blockDiff)
	}
	if *slotDiff >= 0 {
		state.SlotDifference = models.Int64(*slotDiff)
	}

	n, err := node.New(state, *dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid node state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx, *addr, shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("Mock node failed")
		stop()
		os.Exit(1)
	}
}
