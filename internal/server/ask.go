package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/docstackhq/docstack/internal/auth"
	"github.com/docstackhq/docstack/internal/rag"
)

// QueryEngine is the question-answering surface, satisfied by rag.Engine.
type QueryEngine interface {
	Ask(ctx context.Context, ownerID int64, question string, documentID int64) (rag.Answer, error)
}

type AskHandler struct {
	Engine QueryEngine
}

func (h *AskHandler) Register(g *echo.Group) {
	g.POST("/ask", h.ask)
}

func (h *AskHandler) ask(c echo.Context) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question must not be empty")
	}
	ans, err := h.Engine.Ask(c.Request().Context(), userID, req.Question, req.DocumentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, ans)
}
