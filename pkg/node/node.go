// Package node is a stand-in service node. It serves a health check payload
// whose identity and lag can be changed at runtime, with real host telemetry,
// so selection can be exercised without a production fleet.
package node

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nodeselector/pkg/log"
	"nodeselector/pkg/models"
	"nodeselector/pkg/prober"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const defaultChainHead = 1_000_000

var (
	// ErrInvalidState is returned when a state update would produce an invalid payload.
	ErrInvalidState = errors.New("invalid node state")
)

// State is what the node reports about itself.
type State struct {
	Service         string `json:"service"`
	Version         string `json:"version"`
	BlockDifference *int64 `json:"block_difference,omitempty"`
	SlotDifference  *int64 `json:"slot_difference,omitempty"`
	// ChainHead is the web block number; the db block number trails it by BlockDifference.
	ChainHead int64  `json:"chain_head"`
	Git       string `json:"git,omitempty"`
	// Status other than 0 or 200 makes the health check fail with that code.
	Status int `json:"status,omitempty"`
	// DelayMs holds every health check response back.
	DelayMs int64 `json:"delay_ms,omitempty"`
}

// Node serves the health check.
type Node struct {
	dataDir string
	echo    *echo.Echo

	mu    sync.RWMutex
	state State
}

// New creates a node reporting state. Filesystem telemetry is taken from dataDir.
func New(state State, dataDir string) (*Node, error) {
	if err := validateState(state); err != nil {
		return nil, err
	}
	if state.ChainHead == 0 {
		state.ChainHead = defaultChainHead
	}
	if dataDir == "" {
		dataDir = "."
	}

	n := &Node{
		dataDir: dataDir,
		echo:    echo.New(),
		state:   state,
	}
	n.setupRoutes()
	return n, nil
}

func validateState(state State) error {
	if state.Service == "" || state.Version == "" {
		return errors.Join(ErrInvalidState, errors.New("service and version are required"))
	}
	if state.Status != 0 && (state.Status < 100 || state.Status > 599) {
		return errors.Join(ErrInvalidState, errors.New("status out of range"))
	}
	if state.DelayMs < 0 {
		return errors.Join(ErrInvalidState, errors.New("delay_ms must not be negative"))
	}
	return nil
}

// Handler exposes the node's routes, mainly for tests.
func (n *Node) Handler() http.Handler {
	return n.echo
}

// State returns the current state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState replaces the reported state.
func (n *Node) SetState(state State) error {
	if err := validateState(state); err != nil {
		return err
	}
	if state.ChainHead == 0 {
		state.ChainHead = defaultChainHead
	}

	n.mu.Lock()
	n.state = state
	n.mu.Unlock()

	log.Info().
		Str("service", state.Service).
		Str("version", state.Version).
		Int("status", state.Status).
		Msg("Node state updated")
	return nil
}

func (n *Node) setupRoutes() {
	n.echo.HideBanner = true
	n.echo.HidePort = true

	n.echo.Use(middleware.Recover())

	n.echo.GET(prober.DefaultHealthCheckPath, n.healthCheck)
	n.echo.GET("/state", n.getState)
	n.echo.PUT("/state", n.putState)
}

// healthCheck handles GET /health_check.
func (n *Node) healthCheck(ctx echo.Context) error {
	state := n.State()

	if state.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(state.DelayMs) * time.Millisecond):
		case <-ctx.Request().Context().Done():
			return ctx.Request().Context().Err()
		}
	}

	if state.Status != 0 && state.Status != http.StatusOK {
		return ctx.JSON(state.Status, map[string]string{
			"error": http.StatusText(state.Status),
		})
	}

	return ctx.JSON(http.StatusOK, n.payload(state))
}

func (n *Node) payload(state State) models.HealthCheckPayload {
	data := models.HealthData{
		Service:         state.Service,
		Version:         state.Version,
		BlockDifference: state.BlockDifference,
		Web:             models.WebInfo{BlockNumber: state.ChainHead},
		DB:              models.DBInfo{Number: state.ChainHead},
		Git:             state.Git,
	}
	if state.BlockDifference != nil {
		data.DB.Number = state.ChainHead - *state.BlockDifference
	}
	if state.SlotDifference != nil {
		data.Plays = &models.PlaysInfo{TxInfo: models.TxInfo{SlotDiff: state.SlotDifference}}
	}

	if memory, err := getMemoryInfo(); err == nil {
		data.TotalMemory = memory.Total
		data.UsedMemory = memory.Used
	} else {
		log.Debug().Err(err).Msg("Memory telemetry unavailable")
	}

	if storage, err := getStorageInfo(n.dataDir); err == nil {
		data.FilesystemSize = storage.Total
		data.FilesystemUsed = storage.Used
	} else {
		log.Debug().Err(err).Str("data_dir", n.dataDir).Msg("Filesystem telemetry unavailable")
	}

	return models.HealthCheckPayload{Data: data}
}

// getState handles GET /state.
func (n *Node) getState(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, n.State())
}

// putState handles PUT /state.
func (n *Node) putState(ctx echo.Context) error {
	var state State
	if err := ctx.Bind(&state); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid state body",
		})
	}

	if err := n.SetState(state); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	return ctx.JSON(http.StatusOK, n.State())
}

// Start serves on addr until ctx is done, then shuts down within shutdownTimeout.
func (n *Node) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		state := n.State()
		log.Info().
			Str("addr", addr).
			Str("service", state.Service).
			Str("version", state.Version).
			Str("data_dir", n.dataDir).
			Msg("Starting mock node")
		if err := n.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down mock node...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.echo.Shutdown(shutdownCtx)
}
