package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/reports/internal/domain"
)

// CancelRunRequest is the optional body of a cancel call.
type CancelRunRequest struct {
	Reason string `json:"reason"`
}

// CreateRun handles POST /v1/runs.
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AgentType == "" {
		return badRequest(c, "agent_type is required")
	}

	run, err := h.service.CreateRun(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// ListRuns handles GET /v1/runs.
func (h *Handler) ListRuns(c echo.Context) error {
	agentType := domain.AgentType(c.QueryParam("agent_type"))
	resp, err := h.service.ListRuns(c.Request().Context(), agentType, parseLimit(c.QueryParam("limit")))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRun handles GET /v1/runs/:run_id.
func (h *Handler) GetRun(c echo.Context) error {
	runID, ok := parseRunID(c.Param("run_id"))
	if !ok {
		return badRequest(c, "run_id must be a positive integer")
	}

	detail, err := h.service.GetRun(c.Request().Context(), runID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// CancelRun handles POST /v1/runs/:run_id/cancel.
func (h *Handler) CancelRun(c echo.Context) error {
	runID, ok := parseRunID(c.Param("run_id"))
	if !ok {
		return badRequest(c, "run_id must be a positive integer")
	}

	var req CancelRunRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	resp, err := h.service.CancelRun(c.Request().Context(), runID, req.Reason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRunEvents handles GET /v1/runs/:run_id/events.
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID, ok := parseRunID(c.Param("run_id"))
	if !ok {
		return badRequest(c, "run_id must be a positive integer")
	}
	after, ok := parseCursor(c.QueryParam("after"))
	if !ok {
		return badRequest(c, "after must be a non-negative integer")
	}

	resp, err := h.service.ListEvents(c.Request().Context(), runID, after, parseLimit(c.QueryParam("limit")))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
