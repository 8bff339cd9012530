package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/docstackhq/docstack/internal/store"
)

// Broadcaster is the admin messaging surface, satisfied by notify.Service.
type Broadcaster interface {
	Broadcast(title, text string)
}

// AdminStore is the slice of the store the admin handler needs.
type AdminStore interface {
	FailedEmbeddings(ctx context.Context) ([]store.FailedEmbedding, error)
}

type AdminHandler struct {
	Store    AdminStore
	Notifier Broadcaster
}

func (h *AdminHandler) Register(g *echo.Group) {
	g.POST("/broadcast", h.broadcast)
	g.GET("/embeddings/failed", h.failedEmbeddings)
}

func (h *AdminHandler) broadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message must not be empty")
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = "System Notice"
	}
	h.Notifier.Broadcast(req.Title, req.Message)
	return c.NoContent(http.StatusAccepted)
}

func (h *AdminHandler) failedEmbeddings(c echo.Context) error {
	rows, err := h.Store.FailedEmbeddings(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]FailedEmbeddingResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, FailedEmbeddingResponse{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Filename:   r.Filename,
			OwnerID:    r.OwnerID,
			ChunkOrder: r.Order,
			Reason:     r.Reason,
		})
	}
	return c.JSON(http.StatusOK, out)
}
