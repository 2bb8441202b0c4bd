package rules

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/siterisk/internal/validation"
)

// Handler provides HTTP endpoints for the rule catalog.
type Handler struct {
	catalog *Catalog
	now     func() time.Time
}

// NewHandler creates a new catalog handler.
func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog, now: time.Now}
}

// RegisterRoutes sets up catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rules/catalog", h.GetCatalog)
	r.GET("/rules/versions", h.ListVersions)
	r.POST("/rules/activate", h.Activate)
}

// GetCatalog handles GET /rules/catalog?at=
func (h *Handler) GetCatalog(c *gin.Context) {
	at, err := validation.ParseTime("at", c.Query("at"))
	if err != nil {
		validation.BadRequest(c, err)
		return
	}
	if at.IsZero() {
		at = h.now()
	}
	v, err := h.catalog.At(at)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"catalog": v})
}

// ListVersions handles GET /rules/versions
func (h *Handler) ListVersions(c *gin.Context) {
	versions := h.catalog.Versions()
	c.JSON(http.StatusOK, gin.H{
		"versions": versions,
		"count":    len(versions),
	})
}

// Activate handles POST /rules/activate. The body is a catalog document in
// YAML or JSON and must carry effectiveFrom.
func (h *Handler) Activate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	doc, err := Parse(body)
	if err != nil {
		validation.BadRequest(c, err)
		return
	}
	if doc.EffectiveFrom == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "effectiveFrom is required",
		})
		return
	}

	v, err := h.catalog.Activate(c.Request.Context(), *doc, *doc.EffectiveFrom)
	if err != nil {
		switch {
		case errors.Is(err, ErrRetroactive), errors.Is(err, ErrVersionExists), errors.Is(err, ErrVersionNotNewer):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "conflict",
				"message": err.Error(),
			})
		case IsValidation(err):
			validation.BadRequest(c, err)
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"catalog": v})
}
