package audit

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/siterisk/internal/pagination"
	"github.com/mbd888/siterisk/internal/validation"
)

// Handler provides HTTP endpoints for the audit trail.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new audit handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.ListRecords)
	r.GET("/audit/:id", h.GetRecord)
}

// ListRecords handles GET /audit?level=&from=&to=&cursor=&limit=
func (h *Handler) ListRecords(c *gin.Context) {
	loc, err := validation.ParseLevel(c.Query("level"))
	if err != nil {
		validation.BadRequest(c, err)
		return
	}
	from, to, err := validation.ParseRange(c.Query("from"), c.Query("to"), h.now(), 24*time.Hour, 31*24*time.Hour)
	if err != nil {
		validation.BadRequest(c, err)
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		validation.BadRequest(c, err)
		return
	}
	limit := pagination.Limit(c.Query("limit"))

	records, err := h.store.Trail(c.Request.Context(), Query{
		Location: loc,
		From:     from,
		To:       to,
		After:    cursor,
		Limit:    limit + 1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list audit records",
		})
		return
	}
	if records == nil {
		records = []*Record{}
	}
	page, next, more := pagination.Trim(records, limit, func(r *Record) (time.Time, string) {
		return r.At, r.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"records":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// GetRecord handles GET /audit/:id
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Audit record not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get audit record",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}
