package rate

import (
	"net/http"

	"referral-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r *gin.RouterGroup) {
	g := r.Group("/admin/commission-rates")
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.PATCH("/:id", h.update)
	g.POST("/:id/disable", h.disable)
}

func (h *Handler) list(c *gin.Context) {
	var p ListRatesParams
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	if p.EventType != "" {
		et, ok := ParseEventType(string(p.EventType))
		if !ok {
			_ = c.Error(errutil.ValidationFailed("invalid event type", nil))
			return
		}
		p.EventType = et
	}

	rates, err := h.svc.ListRates(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rates})
}

func (h *Handler) create(c *gin.Context) {
	var p CreateRateParams
	if err := c.ShouldBindJSON(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if et, ok := ParseEventType(string(p.EventType)); ok {
		p.EventType = et
	}

	r, err := h.svc.CreateRate(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) get(c *gin.Context) {
	r, err := h.svc.GetRate(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) update(c *gin.Context) {
	var p UpdateRateParams
	if err := c.ShouldBindJSON(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	r, err := h.svc.UpdateRate(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) disable(c *gin.Context) {
	r, err := h.svc.DisableRate(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}
