package temporal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/siterisk/internal/pagination"
	"github.com/mbd888/siterisk/internal/validation"
)

// IngestResult reports what happened to one submitted input.
type IngestResult struct {
	ID         string `json:"id"`
	Inserted   bool   `json:"inserted"`
	Late       bool   `json:"late"`
	Recomputed int    `json:"recomputed"`
}

// Ingester accepts inputs and drives re-evaluation. The engine implements it.
type Ingester interface {
	IngestEvent(ctx context.Context, e *Event) (IngestResult, error)
	IngestMeasurement(ctx context.Context, m *Measurement) (IngestResult, error)
}

// Handler provides HTTP endpoints for raw inputs.
type Handler struct {
	store    Store
	ingester Ingester
	now      func() time.Time
}

// NewHandler creates a new input handler.
func NewHandler(store Store, ingester Ingester) *Handler {
	return &Handler{store: store, ingester: ingester, now: time.Now}
}

// RegisterRoutes sets up input routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
	r.POST("/events", h.PostEvent)
	r.POST("/measurements", h.PostMeasurement)
}

// ListEvents handles GET /events?level=&type=&from=&to=&cursor=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
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

	events, err := h.store.ListEvents(c.Request.Context(), EventQuery{
		Location: loc,
		Type:     c.Query("type"),
		From:     from,
		To:       to,
		After:    cursor,
		Limit:    limit + 1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list events",
		})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	page, next, more := pagination.Trim(events, limit, func(e *Event) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"events":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// PostEvent handles POST /events
func (h *Handler) PostEvent(c *gin.Context) {
	var e Event
	if err := c.ShouldBindJSON(&e); err != nil {
		validation.BadRequest(c, err)
		return
	}
	res, err := h.ingester.IngestEvent(c.Request.Context(), &e)
	h.respond(c, res, err)
}

// PostMeasurement handles POST /measurements
func (h *Handler) PostMeasurement(c *gin.Context) {
	var m Measurement
	if err := c.ShouldBindJSON(&m); err != nil {
		validation.BadRequest(c, err)
		return
	}
	res, err := h.ingester.IngestMeasurement(c.Request.Context(), &m)
	h.respond(c, res, err)
}

func (h *Handler) respond(c *gin.Context, res IngestResult, err error) {
	switch {
	case err == nil && res.Inserted:
		c.JSON(http.StatusCreated, res)
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrValidation):
		validation.BadRequest(c, err)
	case errors.Is(err, ErrConflictingRecord):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to ingest input",
		})
	}
}
