package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/siterisk/internal/idgen"
	"github.com/mbd888/siterisk/internal/validation"
)

// Handler serves subscription management under /webhooks.
type Handler struct {
	store    Store
	validate func(string) error
	now      func() time.Time
}

func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, validate: dispatcher.urlValidator, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/webhooks")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PATCH("/:id", h.update)
	g.POST("/:id/rotate-secret", h.rotateSecret)
	g.DELETE("/:id", h.delete)
}

type createRequest struct {
	URL        string   `json:"url" binding:"required"`
	Events     []string `json:"events" binding:"required"`
	Structures []string `json:"structures"`
	MinScore   int      `json:"minScore"`
}

// updateRequest carries only the fields being changed.
type updateRequest struct {
	Active     *bool     `json:"active"`
	Events     *[]string `json:"events"`
	Structures *[]string `json:"structures"`
	MinScore   *int      `json:"minScore"`
}

func parseEvents(names []string) ([]EventType, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one event type is required")
	}
	out := make([]EventType, 0, len(names))
	for _, n := range names {
		et := EventType(n)
		if !slices.Contains(EventTypes, et) {
			return nil, fmt.Errorf("unknown event type %s", validation.SanitizeString(n, 64))
		}
		if !slices.Contains(out, et) {
			out = append(out, et)
		}
	}
	return out, nil
}

func checkMinScore(n int) error {
	if n < 0 || n > 100 {
		return errors.New("minScore must be within [0, 100]")
	}
	return nil
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, err)
		return
	}
	if err := h.validate(req.URL); err != nil {
		validation.BadRequest(c, err)
		return
	}
	events, err := parseEvents(req.Events)
	if err == nil {
		err = checkMinScore(req.MinScore)
	}
	if err != nil {
		validation.BadRequest(c, err)
		return
	}

	sub := &Subscription{
		ID:         idgen.WithPrefix("wh_"),
		URL:        req.URL,
		Secret:     newSecret(),
		Events:     events,
		Structures: req.Structures,
		MinScore:   req.MinScore,
		Active:     true,
		CreatedAt:  h.now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		internalError(c, "Failed to create webhook")
		return
	}
	// The secret is returned once; reads never include it.
	c.JSON(http.StatusCreated, gin.H{
		"webhook":         sub,
		"secret":          sub.Secret,
		"signatureHeader": SignatureHeader,
	})
}

func (h *Handler) list(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		internalError(c, "Failed to list webhooks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

func (h *Handler) get(c *gin.Context) {
	sub, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// update changes filters or re-enables a subscription. Re-enabling clears
// the failure streak that disabled it.
func (h *Handler) update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, err)
		return
	}
	sub, ok := h.load(c)
	if !ok {
		return
	}

	if req.Events != nil {
		events, err := parseEvents(*req.Events)
		if err != nil {
			validation.BadRequest(c, err)
			return
		}
		sub.Events = events
	}
	if req.MinScore != nil {
		if err := checkMinScore(*req.MinScore); err != nil {
			validation.BadRequest(c, err)
			return
		}
		sub.MinScore = *req.MinScore
	}
	if req.Structures != nil {
		sub.Structures = *req.Structures
	}
	if req.Active != nil {
		if *req.Active && !sub.Active {
			sub.ConsecutiveFailures = 0
			sub.LastError = ""
		}
		sub.Active = *req.Active
	}

	if !h.save(c, sub) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

func (h *Handler) rotateSecret(c *gin.Context) {
	sub, ok := h.load(c)
	if !ok {
		return
	}
	sub.Secret = newSecret()
	if !h.save(c, sub) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub, "secret": sub.Secret})
}

func (h *Handler) delete(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		notFound(c)
	case err != nil:
		internalError(c, "Failed to delete webhook")
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *Handler) load(c *gin.Context) (*Subscription, bool) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		notFound(c)
		return nil, false
	}
	if err != nil {
		internalError(c, "Failed to load webhook")
		return nil, false
	}
	return sub, true
}

func (h *Handler) save(c *gin.Context, sub *Subscription) bool {
	err := h.store.Update(c.Request.Context(), sub)
	if errors.Is(err, ErrNotFound) {
		notFound(c)
		return false
	}
	if err != nil {
		internalError(c, "Failed to update webhook")
		return false
	}
	return true
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
}

func internalError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}

func newSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
