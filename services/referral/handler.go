package referral

import (
	"net/http"

	"referral-engine/pkg/db/pagination"
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
	r.POST("/referrals", h.create)
	r.POST("/referral-codes/:user_id", h.issueCode)
	r.GET("/users/:user_id/referrals", h.listByReferrer)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	ref, err := h.svc.Create(c.Request.Context(), req.ReferredUserID, req.ReferralCode)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

func (h *Handler) issueCode(c *gin.Context) {
	code, err := h.svc.IssueCode(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, code)
}

func (h *Handler) listByReferrer(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	rows, info, err := h.svc.ListByReferrer(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}
