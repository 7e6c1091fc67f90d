// Package http provides the HTTP server for the reports service.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/gogo/reports/internal/metrics"
	"github.com/xiaot623/gogo/reports/internal/service"
	v1 "github.com/xiaot623/gogo/reports/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server.
// It serves the run API, live and replay streams, and /metrics when m is set.
func NewServer(svc *service.Service, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	return e
}
