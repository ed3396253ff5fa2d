package server

import (
	"errors"
	"runtime/debug"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/listsync/internal/handlers"
	"github.com/nfrund/listsync/internal/middleware"
)

// setupErrorHandling renders errors as JSON and logs unexpected ones with a
// stack trace.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			middleware.FromContext(c.Request().Context()).Error("Internal Server Error (Unhandled)",
				"error", err,
				"path", c.Request().URL.Path,
				"stack_trace", string(debug.Stack()),
			)
		}
		handlers.HTTPErrorHandler(err, c)
	}
}
