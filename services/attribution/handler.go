package attribution

import (
	"net/http"
	"strconv"

	"referral-engine/pkg/errutil"
	"referral-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const asyncHeader = "X-Async"

type Handler struct {
	svc        *Service
	dispatcher *Dispatcher
}

type HandlerParams struct {
	fx.In
	Service    *Service
	Dispatcher *Dispatcher `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, dispatcher: p.Dispatcher}
}

func (h *Handler) Register(r *gin.RouterGroup) {
	g := r.Group("/attribution")
	g.POST("/events", h.billableEvent)
	g.POST("/reversals", h.reversal)
	g.POST("/subscription-ended", h.subscriptionEnded)
}

// billableEvent never fails the caller for attribution problems: the
// subscription already succeeded, so failures answer 202 unattributed.
func (h *Handler) billableEvent(c *gin.Context) {
	var ev BillableEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	ctx := c.Request.Context()

	if async, _ := strconv.ParseBool(c.GetHeader(asyncHeader)); async && h.dispatcher != nil {
		id, err := h.dispatcher.Enqueue(ctx, ev)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "task_id": id})
		return
	}

	cm, err := h.svc.OnBillableEvent(ctx, ev)
	if err != nil {
		logger.FromContext(ctx).Warn("billable event not attributed", zap.Error(err))
		c.JSON(http.StatusAccepted, gin.H{"attributed": false, "error": errutil.FromError(err).Message})
		return
	}
	if cm == nil {
		c.JSON(http.StatusAccepted, gin.H{"attributed": false})
		return
	}
	c.JSON(http.StatusCreated, cm)
}

func (h *Handler) reversal(c *gin.Context) {
	var req Reversal
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	if _, err := h.svc.OnEventReversed(c.Request.Context(), req.ReferralID, req.EventType); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) subscriptionEnded(c *gin.Context) {
	var req SubscriptionEnded
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	if _, err := h.svc.OnSubscriptionEnded(c.Request.Context(), req.ReferredUserID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
