package server

import (
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/listsync/internal/handlers"
	"github.com/nfrund/listsync/internal/middleware"
)

const (
	wsPath      = "/ws/lists"
	metricsPath = "/metrics"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	lists := handlers.NewListsHandler(s.deps.Registry, s.deps.Publisher)
	status := handlers.NewStatusHandler(s.deps.Registry)
	pushLimiter := middleware.RateLimiter(20, 40)

	s.E.GET(wsPath, s.deps.Bridge.Handler())

	api := s.E.Group("/api")
	api.GET("/lists", lists.List)
	api.GET("/lists/:key", lists.Get)
	api.PUT("/lists/:key", lists.Push, pushLimiter)

	s.E.GET("/status", status.Page)
	s.E.GET("/status/table", status.Table)

	s.E.GET(metricsPath, echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: s.deps.Metrics,
	}))
	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}
