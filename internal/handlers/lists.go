package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/listsync/internal/middleware"
	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/pubsub"
	"github.com/nfrund/listsync/internal/source"
	"github.com/nfrund/listsync/internal/subscription"
)

// Registry is the read side of the subscription registry the handlers need.
type Registry interface {
	GetStats() subscription.Stats
	Keys() []string
	Peek(key string) (subscription.Snapshot, bool)
	Describe() []subscription.TopicInfo
}

// ListsHandler serves list introspection and snapshot pushes.
type ListsHandler struct {
	registry  Registry
	publisher pubsub.Publisher
}

// NewListsHandler creates a new lists handler.
func NewListsHandler(registry Registry, publisher pubsub.Publisher) *ListsHandler {
	return &ListsHandler{registry: registry, publisher: publisher}
}

// List returns registry stats and the live topics.
func (h *ListsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, ListsResponse{
		Stats:  h.registry.GetStats(),
		Keys:   h.registry.Keys(),
		Topics: h.registry.Describe(),
	})
}

// Get returns the current snapshot of one list.
func (h *ListsHandler) Get(c echo.Context) error {
	key := c.Param("key")
	snap, ok := h.registry.Peek(key)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "unknown list "+key)
	}
	return c.JSON(http.StatusOK, SnapshotResponse{Key: key, Items: snap.Items, Version: snap.Version})
}

// Push publishes a full snapshot for a list on the bus. The registry applies
// it asynchronously, so the response is 202.
func (h *ListsHandler) Push(c echo.Context) error {
	var req PushRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return errorJSON(c, http.StatusUnprocessableEntity, err.Error())
	}

	ctx := c.Request().Context()
	reqID := middleware.RequestID(c)
	push := protocol.SnapshotPush{Key: req.Key, Items: req.Items}
	if err := source.PushSnapshot(ctx, h.publisher, "http", push, map[string]string{"request_id": reqID}); err != nil {
		middleware.FromContext(ctx).Error("Failed to publish snapshot push", "key", req.Key, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to queue snapshot")
	}

	middleware.FromContext(ctx).Info("Snapshot push queued", "key", req.Key, "items", len(req.Items))
	return c.JSON(http.StatusAccepted, AcceptedResponse{Key: req.Key, Items: len(req.Items), RequestID: reqID})
}
