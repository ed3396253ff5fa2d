// Package server assembles the echo HTTP server: middleware, routes and
// lifecycle.
package server

import (
	"log/slog"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nfrund/listsync/internal/config"
	"github.com/nfrund/listsync/internal/handlers"
	appmiddleware "github.com/nfrund/listsync/internal/middleware"
	"github.com/nfrund/listsync/internal/pubsub"
	"github.com/nfrund/listsync/internal/subscription"
	"github.com/nfrund/listsync/internal/websocket"
)

// Dependencies holds the services the HTTP surface is built on.
type Dependencies struct {
	Registry  *subscription.Registry
	Bridge    *websocket.Bridge
	Publisher pubsub.Publisher
	// Metrics is where HTTP metrics are registered and /metrics gathers from.
	Metrics *prometheus.Registry
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E    *echo.Echo
	Cfg  config.Provider
	deps Dependencies
}

// New creates a server with middleware and routes registered.
func New(cfg config.Provider, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()
	setupErrorHandling(e)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(appmiddleware.Logger)
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "listsync",
		Registerer: deps.Metrics,
		Skipper: func(c echo.Context) bool {
			// Long-lived upgrades would skew the latency histograms.
			return c.Path() == wsPath || c.Path() == metricsPath
		},
	}))

	s := &Server{E: e, Cfg: cfg, deps: deps}
	s.RegisterRoutes()
	slog.Debug("HTTP server configured", "routes", len(e.Routes()))
	return s
}
