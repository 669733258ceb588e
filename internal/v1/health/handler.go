// Package health serves the health endpoint used by clients probing the
// server before connecting.
package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler answers health checks.
type Handler struct {
	authEnabled bool
}

// NewHandler creates a health handler. authEnabled is surfaced so clients
// can tell whether they need to present a token.
func NewHandler(authEnabled bool) *Handler {
	return &Handler{authEnabled: authEnabled}
}

// Response is the health check body.
type Response struct {
	Status      string `json:"status"`
	AuthEnabled bool   `json:"auth_enabled"`
}

// Check handles GET /health.
func (h *Handler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Status:      "ok",
		AuthEnabled: h.authEnabled,
	})
}
