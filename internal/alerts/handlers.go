package alerts

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/siterisk/internal/pagination"
	"github.com/mbd888/siterisk/internal/validation"
)

// Handler provides HTTP endpoints for alerts.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new alert handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/:id", h.GetAlert)
	r.POST("/alerts/:id/acknowledge", h.Acknowledge)
	r.POST("/alerts/:id/resolve", h.Resolve)
}

// TransitionRequest is the optional body of acknowledge and resolve.
type TransitionRequest struct {
	Comment string `json:"comment"`
}

// ListAlerts handles GET /alerts?status=&level=&limit=
func (h *Handler) ListAlerts(c *gin.Context) {
	var f Filter
	if s := c.Query("status"); s != "" {
		st, err := ParseStatus(s)
		if err != nil {
			validation.BadRequest(c, err)
			return
		}
		f.Status = st
	}
	loc, err := validation.ParseLevel(c.Query("level"))
	if err != nil {
		validation.BadRequest(c, err)
		return
	}
	f.Location = loc
	f.Limit = pagination.Limit(c.Query("limit"))

	list, err := h.manager.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alerts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": list,
		"count":  len(list),
	})
}

// GetAlert handles GET /alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// Acknowledge handles POST /alerts/:id/acknowledge
func (h *Handler) Acknowledge(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}
	a, err := h.manager.Acknowledge(c.Request.Context(), c.Param("id"), req.Comment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// Resolve handles POST /alerts/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}
	a, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), req.Comment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// bindTransition accepts an empty body as "no comment".
func bindTransition(c *gin.Context) (TransitionRequest, bool) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		validation.BadRequest(c, err)
		return req, false
	}
	req.Comment = validation.SanitizeString(req.Comment, validation.MaxStringLength)
	return req, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	var invalid *InvalidTransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Alert not found",
		})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
			"status":  invalid.From,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update alert",
		})
	}
}
