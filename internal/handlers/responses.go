package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/listsync/internal/middleware"
	"github.com/nfrund/listsync/internal/snapshot"
	"github.com/nfrund/listsync/internal/subscription"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListsResponse is the body of GET /api/lists.
type ListsResponse struct {
	subscription.Stats
	Keys   []string                 `json:"keys"`
	Topics []subscription.TopicInfo `json:"topics"`
}

// SnapshotResponse is the body of GET /api/lists/:key.
type SnapshotResponse struct {
	Key     string          `json:"key"`
	Items   []snapshot.Item `json:"items"`
	Version int64           `json:"version"`
}

// AcceptedResponse is the body of a queued snapshot push.
type AcceptedResponse struct {
	Key       string `json:"key"`
	Items     int    `json:"items"`
	RequestID string `json:"requestId,omitempty"`
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, ErrorResponse{Code: errorCode(status), Message: message})
}

// errorCode turns an HTTP status into a snake_case code, e.g. 404 -> "not_found".
func errorCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}

// HTTPErrorHandler renders every error that reaches echo as an ErrorResponse.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(status)
		}
	}
	if status >= http.StatusInternalServerError {
		middleware.FromContext(c.Request().Context()).Error("Request failed", "error", err, "status", status)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = errorJSON(c, status, message)
	}
	if err != nil {
		middleware.FromContext(c.Request().Context()).Error("Failed to write error response", "error", err)
	}
}
