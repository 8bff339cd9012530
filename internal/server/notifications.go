package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/docstackhq/docstack/internal/auth"
	"github.com/docstackhq/docstack/internal/notify"
)

// keepAliveInterval paces SSE comment frames so idle proxies keep the
// connection open.
const keepAliveInterval = 25 * time.Second

// Sessions is the registration surface, satisfied by notify.Registry.
type Sessions interface {
	Register(userID int64) (<-chan notify.Message, func())
}

type NotificationsHandler struct {
	Registry Sessions
}

func (h *NotificationsHandler) Register(g *echo.Group) {
	g.GET("/stream", h.stream)
}

// stream delivers notifications over Server-Sent Events until the client
// disconnects.
func (h *NotificationsHandler) stream(c echo.Context) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	ch, unregister := h.Registry.Register(userID)
	defer unregister()

	// Confirm the subscription immediately so clients can tell a live
	// stream from a stalled connect.
	if _, err := resp.Write([]byte(": connected\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	ctx := c.Request().Context()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := resp.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return nil
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := resp.Write([]byte("event: notification\n")); err != nil {
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
