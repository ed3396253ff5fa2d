package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/nfrund/listsync/internal/view"
)

const (
	statusTablePath    = "/status/table"
	statusRefreshEvery = 2
)

// StatusHandler serves the HTML status page.
type StatusHandler struct {
	registry Registry
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(registry Registry) *StatusHandler {
	return &StatusHandler{registry: registry}
}

// Page renders the full status page.
func (h *StatusHandler) Page(c echo.Context) error {
	return view.RenderOK(c, view.StatusPage(h.registry.GetStats(), h.registry.Describe(), statusTablePath, statusRefreshEvery))
}

// Table renders the refreshable table fragment.
func (h *StatusHandler) Table(c echo.Context) error {
	return view.RenderOK(c, view.StatusTable(h.registry.GetStats(), h.registry.Describe(), statusTablePath, statusRefreshEvery))
}
