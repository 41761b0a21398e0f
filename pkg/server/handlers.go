package server

import (
	"errors"
	"net/http"

	"nodeselector/pkg/log"

	"github.com/labstack/echo/v4"
)

type unhealthyRequest struct {
	Endpoint string `json:"endpoint"`
	Error    string `json:"error"`
}

type unhealthyResponse struct {
	Endpoint string `json:"endpoint"`
	Reselect bool   `json:"reselect_scheduled"`
	Current  string `json:"current,omitempty"`
}

// getSelection handles GET /selection.
func (s *Server) getSelection(ctx echo.Context) error {
	status := s.manager.Status()
	if status.Endpoint == "" {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error":  ErrNoEndpoint.Error(),
			"status": status,
		})
	}
	return ctx.JSON(http.StatusOK, status)
}

// postSelection handles POST /selection. It runs a round and returns it.
func (s *Server) postSelection(ctx echo.Context) error {
	sel, err := s.manager.Reselect(ctx.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Requested selection failed")
		return ctx.JSON(http.StatusBadGateway, map[string]string{
			"error": err.Error(),
		})
	}
	if !sel.Found() {
		return ctx.JSON(http.StatusServiceUnavailable, sel)
	}
	return ctx.JSON(http.StatusOK, sel)
}

// postUnhealthy handles POST /selection/unhealthy.
func (s *Server) postUnhealthy(ctx echo.Context) error {
	var req unhealthyRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
	}
	if req.Endpoint == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": ErrEndpointRequired.Error(),
		})
	}

	reason := req.Error
	if reason == "" {
		reason = "reported by client"
	}
	scheduled := s.manager.MarkUnhealthy(req.Endpoint, errors.New(reason))

	return ctx.JSON(http.StatusAccepted, unhealthyResponse{
		Endpoint: req.Endpoint,
		Reselect: scheduled,
		Current:  s.manager.Status().Endpoint,
	})
}

// getRegressed handles GET /regressed.
func (s *Server) getRegressed(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.regressed.Snapshot())
}

// healthCheck handles GET /health_check for the daemon itself.
func (s *Server) healthCheck(ctx echo.Context) error {
	status := s.manager.Status()
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"service":   s.service,
		"version":   s.version,
		"selected":  status.Endpoint != "",
		"regressed": status.Regressed,
	})
}
