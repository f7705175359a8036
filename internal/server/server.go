// Package server exposes the coordinator's HTTP surface: lifecycle command
// dispatch, command result polling, subarray status, sys-param loading, and
// delay-model ingestion.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/signalsfoundry/cbf-coordinator/internal/inventory"
	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
	"github.com/signalsfoundry/cbf-coordinator/internal/subarray"
)

// Server binds the HTTP API to one subarray.
type Server struct {
	sub     *subarray.Subarray
	inv     *inventory.Inventory
	results *ResultStore
	metrics http.Handler
	log     logging.Logger
}

// New builds the server. metricsHandler may be nil to disable /metrics.
func New(sub *subarray.Subarray, inv *inventory.Inventory, results *ResultStore, metricsHandler http.Handler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{sub: sub, inv: inv, results: results, metrics: metricsHandler, log: log}
}

// Register attaches all routes to the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.health)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	api := e.Group("/api/v1")
	api.GET("/subarray", s.status)
	api.POST("/subarray/commands/:command", s.command)
	api.POST("/subarray/delay-model", s.delayModel)
	api.PUT("/sys-param", s.sysParam)
	api.GET("/commands/:id", s.commandResult)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sub.State())
}

type commandAccepted struct {
	Command    string `json:"command"`
	TaskStatus string `json:"task_status"`
	CommandID  string `json:"command_id"`
}

type errorBody struct {
	Error string `json:"error"`
}

type resourcesRequest struct {
	DishIDs    []string `json:"dish_ids"`
	ReleaseAll bool     `json:"release_all,omitempty"`
}

func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) command(c echo.Context) error {
	name := c.Param("command")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "unreadable request body"})
	}

	var (
		status subarray.TaskStatus
		id     string
	)
	switch name {
	case "assign_resources":
		var req resourcesRequest
		if err = decodeJSON(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		}
		status, id, err = s.sub.AssignResources(req.DishIDs)
	case "release_resources":
		var req resourcesRequest
		if err = decodeJSON(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		}
		if req.ReleaseAll {
			status, id, err = s.sub.ReleaseAllResources()
		} else {
			status, id, err = s.sub.ReleaseResources(req.DishIDs)
		}
	case "configure_scan":
		status, id, err = s.sub.ConfigureScan(body)
	case "scan":
		status, id, err = s.sub.Scan(body)
	case "end_scan":
		status, id, err = s.sub.EndScan()
	case "go_to_idle":
		status, id, err = s.sub.GoToIdle()
	case "abort":
		status, id, err = s.sub.Abort()
	case "obs_reset":
		status, id, err = s.sub.ObsReset()
	case "restart":
		status, id, err = s.sub.Restart()
	default:
		return c.JSON(http.StatusNotFound, errorBody{Error: "unknown command: " + name})
	}

	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, subarray.ErrInvalidState) {
			code = http.StatusConflict
		}
		if errors.Is(err, subarray.ErrExecutorBusy) {
			code = http.StatusTooManyRequests
		}
		return c.JSON(code, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusAccepted, commandAccepted{
		Command:    name,
		TaskStatus: string(status),
		CommandID:  id,
	})
}

func (s *Server) commandResult(c echo.Context) error {
	id := c.Param("id")
	res, ok := s.results.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody{Error: "no result for command " + id + "; still pending or unknown"})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) sysParam(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "unreadable request body"})
	}
	sp, err := inventory.ParseSysParam(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	if err := s.inv.LoadSysParam(sp); err != nil {
		code := http.StatusConflict
		return c.JSON(code, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "loaded"})
}

func (s *Server) delayModel(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "unreadable request body"})
	}
	if err := s.sub.UpdateDelayModel(body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
