package replay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/pagination"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/validation"
)

// Current reads the published state of each level.
type Current interface {
	CurrentStates(ctx context.Context) ([]*risk.State, error)
	// CurrentState returns audit.ErrNotFound for a level never evaluated.
	CurrentState(ctx context.Context, loc site.Ref) (*risk.State, error)
}

// Suppressor supplies operator-resolved rule codes for rollups.
type Suppressor interface {
	Suppressions(ctx context.Context) (risk.Suppressions, error)
	// SuppressionsAt returns the suppressions in force at a past instant.
	SuppressionsAt(ctx context.Context, at time.Time) (risk.Suppressions, error)
}

// FromAudit reads current states straight from the audit store.
func FromAudit(store audit.Store) Current {
	return auditCurrent{store: store}
}

type auditCurrent struct {
	store audit.Store
}

func (a auditCurrent) CurrentStates(ctx context.Context) ([]*risk.State, error) {
	recs, err := a.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*risk.State, len(recs))
	for i, r := range recs {
		out[i] = &r.State
	}
	return out, nil
}

func (a auditCurrent) CurrentState(ctx context.Context, loc site.Ref) (*risk.State, error) {
	rec, err := a.store.CurrentFor(ctx, loc)
	if err != nil {
		return nil, err
	}
	return &rec.State, nil
}

// Handler provides HTTP endpoints for current and historical level state.
type Handler struct {
	recon      *Reconstructor
	current    Current
	suppressor Suppressor
	now        func() time.Time
}

// NewHandler creates a new level handler.
func NewHandler(recon *Reconstructor, current Current, suppressor Suppressor) *Handler {
	return &Handler{recon: recon, current: current, suppressor: suppressor, now: time.Now}
}

// RegisterRoutes sets up level and verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/levels/current", h.GetCurrent)
	r.GET("/levels/site", h.GetSite)
	r.GET("/levels/history", h.GetHistory)
	r.GET("/levels/:structure/:level", h.GetLevel)
	r.GET("/audit/:id/verify", h.VerifyRecord)
}

// GetCurrent handles GET /levels/current
func (h *Handler) GetCurrent(c *gin.Context) {
	states, err := h.current.CurrentStates(c.Request.Context())
	if err != nil {
		internalError(c, "Failed to read current states")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"states": states,
		"count":  len(states),
	})
}

// GetSite handles GET /levels/site?at=
func (h *Handler) GetSite(c *gin.Context) {
	ctx := c.Request.Context()
	at, err := validation.ParseTime("at", c.Query("at"))
	if err != nil {
		validation.BadRequest(c, err)
		return
	}
	if !at.IsZero() {
		h.siteAt(c, at)
		return
	}
	sup, err := h.suppressor.Suppressions(ctx)
	if err != nil {
		internalError(c, "Failed to read suppressions")
		return
	}
	states, err := h.current.CurrentStates(ctx)
	if err != nil {
		internalError(c, "Failed to read current states")
		return
	}
	byLoc := make(map[site.Ref]*risk.State, len(states))
	for _, s := range states {
		byLoc[s.Location] = s
	}
	c.JSON(http.StatusOK, gin.H{"site": risk.Aggregate(h.recon.registry, byLoc, sup)})
}

// GetHistory handles GET /levels/history?from=&to=&cursor=&limit= and GET /levels/history?at=
func (h *Handler) GetHistory(c *gin.Context) {
	if c.Query("at") != "" {
		at, err := validation.ParseTime("at", c.Query("at"))
		if err != nil {
			validation.BadRequest(c, err)
			return
		}
		h.siteAt(c, at)
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
	page, err := h.recon.History(c.Request.Context(), from, to, cursor, pagination.Limit(c.Query("limit")))
	if err != nil {
		internalError(c, "Failed to read history")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshots":  page.Snapshots,
		"count":      len(page.Snapshots),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
		"partial":    page.Partial,
	})
}

// siteAt reconstructs the site at a past instant with the suppressions that
// were in force then.
func (h *Handler) siteAt(c *gin.Context, at time.Time) {
	at = at.UTC()
	sup, err := h.suppressor.SuppressionsAt(c.Request.Context(), at)
	if err != nil {
		internalError(c, "Failed to read suppressions")
		return
	}
	out, err := h.recon.SiteStateAt(c.Request.Context(), at, sup)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetLevel handles GET /levels/:structure/:level?at=
func (h *Handler) GetLevel(c *gin.Context) {
	loc := site.Ref{Structure: c.Param("structure"), Level: c.Param("level")}
	if err := h.recon.registry.Validate(loc); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown level",
		})
		return
	}
	at, err := validation.ParseTime("at", c.Query("at"))
	if err != nil {
		validation.BadRequest(c, err)
		return
	}

	var state *risk.State
	if at.IsZero() {
		state, err = h.current.CurrentState(c.Request.Context(), loc)
	} else {
		state, err = h.recon.StateAt(c.Request.Context(), loc, at)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// VerifyRecord handles GET /audit/:id/verify
func (h *Handler) VerifyRecord(c *gin.Context) {
	v, err := h.recon.Verify(c.Request.Context(), c.Param("id"))
	var div *ReplayDivergenceError
	if errors.As(err, &div) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":        "replay_divergence",
			"message":      div.Error(),
			"verification": v,
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No state recorded",
		})
	case errors.Is(err, rules.ErrNoCatalog):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDivergence):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "replay_divergence",
			"message": err.Error(),
		})
	case errors.Is(err, audit.ErrDigestInvalid):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "digest_invalid",
			"message": err.Error(),
		})
	default:
		internalError(c, "Failed to compute state")
	}
}

func internalError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": msg,
	})
}
